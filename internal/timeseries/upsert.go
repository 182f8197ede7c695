package timeseries

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertFailure records one record that could not be applied.
type UpsertFailure struct {
	Symbol string `json:"symbol"`
	Err    string `json:"error"`
}

// UpsertResult reports the outcome of a batch upsert. A batch succeeds as a
// whole even when individual records fail: bad records are skipped and
// reported, good records commit.
type UpsertResult struct {
	Applied  int             `json:"applied"`
	Failures []UpsertFailure `json:"failures,omitempty"`
}

const upsertPriceSQL = `
	INSERT INTO prices_daily
		(symbol, date, open, high, low, close, prev_close, volume, turnover,
		 delivery_qty, delivery_pct, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	ON CONFLICT (symbol, date) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		prev_close = EXCLUDED.prev_close,
		volume = EXCLUDED.volume,
		turnover = EXCLUDED.turnover,
		delivery_qty = EXCLUDED.delivery_qty,
		delivery_pct = EXCLUDED.delivery_pct,
		updated_at = now()`

const upsertTechnicalSQL = `
	INSERT INTO technical_indicators
		(symbol, date, sma_20, sma_50, sma_200, ema_12, ema_26, rsi_14,
		 macd, macd_signal, bollinger_up, bollinger_low, atr_14, adx_14,
		 obv, support, resistance, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
	ON CONFLICT (symbol, date) DO UPDATE SET
		sma_20 = EXCLUDED.sma_20,
		sma_50 = EXCLUDED.sma_50,
		sma_200 = EXCLUDED.sma_200,
		ema_12 = EXCLUDED.ema_12,
		ema_26 = EXCLUDED.ema_26,
		rsi_14 = EXCLUDED.rsi_14,
		macd = EXCLUDED.macd,
		macd_signal = EXCLUDED.macd_signal,
		bollinger_up = EXCLUDED.bollinger_up,
		bollinger_low = EXCLUDED.bollinger_low,
		atr_14 = EXCLUDED.atr_14,
		adx_14 = EXCLUDED.adx_14,
		obv = EXCLUDED.obv,
		support = EXCLUDED.support,
		resistance = EXCLUDED.resistance,
		updated_at = now()`

const upsertFundamentalSQL = `
	INSERT INTO fundamentals_quarterly
		(symbol, period_end, period_type, revenue, net_profit, eps,
		 operating_margin, net_margin, pe_ratio, pb_ratio, roe, roce,
		 debt_to_equity, current_ratio, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
	ON CONFLICT (symbol, period_end, period_type) DO UPDATE SET
		revenue = EXCLUDED.revenue,
		net_profit = EXCLUDED.net_profit,
		eps = EXCLUDED.eps,
		operating_margin = EXCLUDED.operating_margin,
		net_margin = EXCLUDED.net_margin,
		pe_ratio = EXCLUDED.pe_ratio,
		pb_ratio = EXCLUDED.pb_ratio,
		roe = EXCLUDED.roe,
		roce = EXCLUDED.roce,
		debt_to_equity = EXCLUDED.debt_to_equity,
		current_ratio = EXCLUDED.current_ratio,
		updated_at = now()`

const upsertShareholdingSQL = `
	INSERT INTO shareholding_quarterly
		(symbol, quarter_end, promoter_pct, fii_pct, dii_pct, public_pct, pledged_pct, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	ON CONFLICT (symbol, quarter_end) DO UPDATE SET
		promoter_pct = EXCLUDED.promoter_pct,
		fii_pct = EXCLUDED.fii_pct,
		dii_pct = EXCLUDED.dii_pct,
		public_pct = EXCLUDED.public_pct,
		pledged_pct = EXCLUDED.pledged_pct,
		updated_at = now()`

// UpsertPrices writes a batch of daily price rows.
func (s *Store) UpsertPrices(ctx context.Context, records []PriceRecord) (UpsertResult, error) {
	return s.upsertBatch(ctx, len(records), func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
		r := records[i]
		if err := r.validate(); err != nil {
			return r.Symbol, err
		}
		_, err := tx.Exec(ctx, upsertPriceSQL,
			r.Symbol, r.Date, r.Open, r.High, r.Low, r.Close, r.PrevClose,
			r.Volume, r.Turnover, r.DeliveryQty, r.DeliveryPct)
		return r.Symbol, err
	})
}

// UpsertTechnicals writes a batch of daily indicator rows.
func (s *Store) UpsertTechnicals(ctx context.Context, records []TechnicalRecord) (UpsertResult, error) {
	return s.upsertBatch(ctx, len(records), func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
		r := records[i]
		if err := r.validate(); err != nil {
			return r.Symbol, err
		}
		_, err := tx.Exec(ctx, upsertTechnicalSQL,
			r.Symbol, r.Date, r.SMA20, r.SMA50, r.SMA200, r.EMA12, r.EMA26,
			r.RSI14, r.MACD, r.MACDSignal, r.BollingerUp, r.BollingerLow,
			r.ATR14, r.ADX14, r.OBV, r.Support, r.Resistance)
		return r.Symbol, err
	})
}

// UpsertFundamentals writes a batch of quarterly financial rows. An empty
// period type defaults to quarterly.
func (s *Store) UpsertFundamentals(ctx context.Context, records []FundamentalRecord) (UpsertResult, error) {
	return s.upsertBatch(ctx, len(records), func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
		r := records[i]
		if err := r.validate(); err != nil {
			return r.Symbol, err
		}
		periodType := r.PeriodType
		if periodType == "" {
			periodType = "quarterly"
		}
		_, err := tx.Exec(ctx, upsertFundamentalSQL,
			r.Symbol, r.PeriodEnd, periodType, r.Revenue, r.NetProfit, r.EPS,
			r.OperatingMargin, r.NetMargin, r.PERatio, r.PBRatio,
			r.ROE, r.ROCE, r.DebtToEquity, r.CurrentRatio)
		return r.Symbol, err
	})
}

// UpsertShareholding writes a batch of quarterly ownership rows.
func (s *Store) UpsertShareholding(ctx context.Context, records []ShareholdingRecord) (UpsertResult, error) {
	return s.upsertBatch(ctx, len(records), func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
		r := records[i]
		if err := r.validate(); err != nil {
			return r.Symbol, err
		}
		_, err := tx.Exec(ctx, upsertShareholdingSQL,
			r.Symbol, r.QuarterEnd, r.PromoterPct, r.FIIPct, r.DIIPct,
			r.PublicPct, r.PledgedPct)
		return r.Symbol, err
	})
}

// upsertBatch runs each record inside a savepoint on a shared transaction so
// one bad record rolls back alone while the rest of the batch commits.
func (s *Store) upsertBatch(ctx context.Context, count int, apply func(context.Context, pgx.Tx, int) (string, error)) (UpsertResult, error) {
	var result UpsertResult
	if count == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		// Begin on an open transaction creates a savepoint
		sp, err := tx.Begin(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to create savepoint: %w", err)
		}

		symbol, applyErr := apply(ctx, sp, i)
		if applyErr != nil {
			_ = sp.Rollback(ctx)
			result.Failures = append(result.Failures, UpsertFailure{
				Symbol: symbol,
				Err:    applyErr.Error(),
			})
			s.log.Debug().Err(applyErr).Str("symbol", symbol).Msg("Record upsert skipped")
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return result, fmt.Errorf("failed to release savepoint: %w", err)
		}
		result.Applied++
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}
