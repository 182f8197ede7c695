package timeseries

import (
	"errors"
	"time"
)

// PriceRecord is one daily OHLCV row. Optional columns are pointers so an
// upsert can distinguish "absent" from zero.
type PriceRecord struct {
	Symbol      string    `json:"symbol"`
	Date        time.Time `json:"date"`
	Open        *float64  `json:"open,omitempty"`
	High        *float64  `json:"high,omitempty"`
	Low         *float64  `json:"low,omitempty"`
	Close       *float64  `json:"close,omitempty"`
	PrevClose   *float64  `json:"prev_close,omitempty"`
	Volume      *int64    `json:"volume,omitempty"`
	Turnover    *float64  `json:"turnover,omitempty"`
	DeliveryQty *int64    `json:"delivery_qty,omitempty"`
	DeliveryPct *float64  `json:"delivery_pct,omitempty"`
}

func (r PriceRecord) validate() error {
	if r.Symbol == "" {
		return errors.New("price record missing symbol")
	}
	if r.Date.IsZero() {
		return errors.New("price record missing date")
	}
	return nil
}

// TechnicalRecord is one daily row of computed indicator values.
type TechnicalRecord struct {
	Symbol       string    `json:"symbol"`
	Date         time.Time `json:"date"`
	SMA20        *float64  `json:"sma_20,omitempty"`
	SMA50        *float64  `json:"sma_50,omitempty"`
	SMA200       *float64  `json:"sma_200,omitempty"`
	EMA12        *float64  `json:"ema_12,omitempty"`
	EMA26        *float64  `json:"ema_26,omitempty"`
	RSI14        *float64  `json:"rsi_14,omitempty"`
	MACD         *float64  `json:"macd,omitempty"`
	MACDSignal   *float64  `json:"macd_signal,omitempty"`
	BollingerUp  *float64  `json:"bollinger_up,omitempty"`
	BollingerLow *float64  `json:"bollinger_low,omitempty"`
	ATR14        *float64  `json:"atr_14,omitempty"`
	ADX14        *float64  `json:"adx_14,omitempty"`
	OBV          *int64    `json:"obv,omitempty"`
	Support      *float64  `json:"support,omitempty"`
	Resistance   *float64  `json:"resistance,omitempty"`
}

func (r TechnicalRecord) validate() error {
	if r.Symbol == "" {
		return errors.New("technical record missing symbol")
	}
	if r.Date.IsZero() {
		return errors.New("technical record missing date")
	}
	return nil
}

// FundamentalRecord is one quarterly (or annual) financial statement row.
type FundamentalRecord struct {
	Symbol          string    `json:"symbol"`
	PeriodEnd       time.Time `json:"period_end"`
	PeriodType      string    `json:"period_type"`
	Revenue         *float64  `json:"revenue,omitempty"`
	NetProfit       *float64  `json:"net_profit,omitempty"`
	EPS             *float64  `json:"eps,omitempty"`
	OperatingMargin *float64  `json:"operating_margin,omitempty"`
	NetMargin       *float64  `json:"net_margin,omitempty"`
	PERatio         *float64  `json:"pe_ratio,omitempty"`
	PBRatio         *float64  `json:"pb_ratio,omitempty"`
	ROE             *float64  `json:"roe,omitempty"`
	ROCE            *float64  `json:"roce,omitempty"`
	DebtToEquity    *float64  `json:"debt_to_equity,omitempty"`
	CurrentRatio    *float64  `json:"current_ratio,omitempty"`
}

func (r FundamentalRecord) validate() error {
	if r.Symbol == "" {
		return errors.New("fundamental record missing symbol")
	}
	if r.PeriodEnd.IsZero() {
		return errors.New("fundamental record missing period end")
	}
	return nil
}

// ShareholdingRecord is one quarterly ownership-pattern row.
type ShareholdingRecord struct {
	Symbol      string    `json:"symbol"`
	QuarterEnd  time.Time `json:"quarter_end"`
	PromoterPct *float64  `json:"promoter_pct,omitempty"`
	FIIPct      *float64  `json:"fii_pct,omitempty"`
	DIIPct      *float64  `json:"dii_pct,omitempty"`
	PublicPct   *float64  `json:"public_pct,omitempty"`
	PledgedPct  *float64  `json:"pledged_pct,omitempty"`
}

func (r ShareholdingRecord) validate() error {
	if r.Symbol == "" {
		return errors.New("shareholding record missing symbol")
	}
	if r.QuarterEnd.IsZero() {
		return errors.New("shareholding record missing quarter end")
	}
	return nil
}
