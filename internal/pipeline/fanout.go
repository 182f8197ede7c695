package pipeline

import (
	"time"

	"github.com/stockpulse/pipeline/internal/timeseries"
)

// recordBatch is the persistence payload assembled from one run's
// successful extractions, grouped by destination table.
type recordBatch struct {
	prices       []timeseries.PriceRecord
	technicals   []timeseries.TechnicalRecord
	fundamentals []timeseries.FundamentalRecord
	shareholding []timeseries.ShareholdingRecord
}

// appendRecords splits one symbol's extracted field map into typed records.
// A record is produced only when at least one of its fields is present;
// most extractions carry prices alone.
func (b *recordBatch) appendRecords(symbol string, data map[string]any, now time.Time) {
	date := recordDate(data, "date", now)

	if hasAny(data, "close", "ltp", "current_price", "open", "high", "low", "volume") {
		closePrice := firstFloat(data, "close", "ltp", "current_price")
		b.prices = append(b.prices, timeseries.PriceRecord{
			Symbol:      symbol,
			Date:        date,
			Open:        asFloat(data["open"]),
			High:        asFloat(data["high"]),
			Low:         asFloat(data["low"]),
			Close:       closePrice,
			PrevClose:   asFloat(data["prev_close"]),
			Volume:      asInt(data["volume"]),
			Turnover:    asFloat(data["turnover"]),
			DeliveryQty: asInt(data["delivery_qty"]),
			DeliveryPct: asFloat(data["delivery_pct"]),
		})
	}

	if hasAny(data, "rsi_14", "sma_20", "sma_50", "sma_200", "macd", "atr_14", "adx_14", "obv") {
		b.technicals = append(b.technicals, timeseries.TechnicalRecord{
			Symbol:       symbol,
			Date:         date,
			SMA20:        asFloat(data["sma_20"]),
			SMA50:        asFloat(data["sma_50"]),
			SMA200:       asFloat(data["sma_200"]),
			EMA12:        asFloat(data["ema_12"]),
			EMA26:        asFloat(data["ema_26"]),
			RSI14:        asFloat(data["rsi_14"]),
			MACD:         asFloat(data["macd"]),
			MACDSignal:   asFloat(data["macd_signal"]),
			BollingerUp:  asFloat(data["bollinger_up"]),
			BollingerLow: asFloat(data["bollinger_low"]),
			ATR14:        asFloat(data["atr_14"]),
			ADX14:        asFloat(data["adx_14"]),
			OBV:          asInt(data["obv"]),
			Support:      asFloat(data["support"]),
			Resistance:   asFloat(data["resistance"]),
		})
	}

	if hasAny(data, "revenue", "net_profit", "eps", "pe_ratio", "roe", "debt_to_equity") {
		periodType, _ := data["period_type"].(string)
		b.fundamentals = append(b.fundamentals, timeseries.FundamentalRecord{
			Symbol:          symbol,
			PeriodEnd:       recordDate(data, "period_end", date),
			PeriodType:      periodType,
			Revenue:         asFloat(data["revenue"]),
			NetProfit:       asFloat(data["net_profit"]),
			EPS:             asFloat(data["eps"]),
			OperatingMargin: asFloat(data["operating_margin"]),
			NetMargin:       asFloat(data["net_margin"]),
			PERatio:         asFloat(data["pe_ratio"]),
			PBRatio:         asFloat(data["pb_ratio"]),
			ROE:             asFloat(data["roe"]),
			ROCE:            asFloat(data["roce"]),
			DebtToEquity:    asFloat(data["debt_to_equity"]),
			CurrentRatio:    asFloat(data["current_ratio"]),
		})
	}

	if hasAny(data, "promoter_pct", "fii_pct", "dii_pct", "public_pct", "pledged_pct") {
		b.shareholding = append(b.shareholding, timeseries.ShareholdingRecord{
			Symbol:      symbol,
			QuarterEnd:  recordDate(data, "quarter_end", date),
			PromoterPct: asFloat(data["promoter_pct"]),
			FIIPct:      asFloat(data["fii_pct"]),
			DIIPct:      asFloat(data["dii_pct"]),
			PublicPct:   asFloat(data["public_pct"]),
			PledgedPct:  asFloat(data["pledged_pct"]),
		})
	}
}

func (b *recordBatch) total() int {
	return len(b.prices) + len(b.technicals) + len(b.fundamentals) + len(b.shareholding)
}

func hasAny(data map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := data[key]; ok {
			return true
		}
	}
	return false
}

// recordDate parses a date field, falling back to the given default.
func recordDate(data map[string]any, key string, fallback time.Time) time.Time {
	raw, ok := data[key].(string)
	if !ok {
		return fallback
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func firstFloat(data map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if v := asFloat(data[key]); v != nil {
			return v
		}
	}
	return nil
}

// asFloat converts the numeric shapes that survive JSON and wire decoding.
func asFloat(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case float32:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

func asInt(value any) *int64 {
	switch v := value.(type) {
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	case float64:
		n := int64(v)
		return &n
	default:
		return nil
	}
}
