package timeseries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const defaultReadLimit = 250

// rangeClause appends optional date-range conditions and returns the
// assembled WHERE tail plus the argument list.
func rangeClause(column string, symbol string, start, end *time.Time) (string, []any) {
	conds := []string{"symbol = $1"}
	args := []any{symbol}

	if start != nil {
		args = append(args, *start)
		conds = append(conds, fmt.Sprintf("%s >= $%d", column, len(args)))
	}
	if end != nil {
		args = append(args, *end)
		conds = append(conds, fmt.Sprintf("%s <= $%d", column, len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// GetPrices returns a symbol's daily price rows, newest first.
func (s *Store) GetPrices(ctx context.Context, symbol string, start, end *time.Time, limit int) ([]PriceRecord, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	where, args := rangeClause("date", symbol, start, end)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT symbol, date, open, high, low, close, prev_close, volume, turnover,
		       delivery_qty, delivery_pct
		FROM prices_daily
		WHERE %s
		ORDER BY date DESC
		LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	return scanAll(rows, func(row pgx.Rows) (PriceRecord, error) {
		var r PriceRecord
		err := row.Scan(&r.Symbol, &r.Date, &r.Open, &r.High, &r.Low, &r.Close,
			&r.PrevClose, &r.Volume, &r.Turnover, &r.DeliveryQty, &r.DeliveryPct)
		return r, err
	})
}

// GetTechnicals returns a symbol's daily indicator rows, newest first.
func (s *Store) GetTechnicals(ctx context.Context, symbol string, start, end *time.Time, limit int) ([]TechnicalRecord, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	where, args := rangeClause("date", symbol, start, end)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT symbol, date, sma_20, sma_50, sma_200, ema_12, ema_26, rsi_14,
		       macd, macd_signal, bollinger_up, bollinger_low, atr_14, adx_14,
		       obv, support, resistance
		FROM technical_indicators
		WHERE %s
		ORDER BY date DESC
		LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query technicals: %w", err)
	}
	defer rows.Close()

	return scanAll(rows, func(row pgx.Rows) (TechnicalRecord, error) {
		var r TechnicalRecord
		err := row.Scan(&r.Symbol, &r.Date, &r.SMA20, &r.SMA50, &r.SMA200,
			&r.EMA12, &r.EMA26, &r.RSI14, &r.MACD, &r.MACDSignal,
			&r.BollingerUp, &r.BollingerLow, &r.ATR14, &r.ADX14,
			&r.OBV, &r.Support, &r.Resistance)
		return r, err
	})
}

// GetFundamentals returns a symbol's financial statement rows, newest first.
func (s *Store) GetFundamentals(ctx context.Context, symbol string, limit int) ([]FundamentalRecord, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT symbol, period_end, period_type, revenue, net_profit, eps,
		       operating_margin, net_margin, pe_ratio, pb_ratio, roe, roce,
		       debt_to_equity, current_ratio
		FROM fundamentals_quarterly
		WHERE symbol = $1
		ORDER BY period_end DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fundamentals: %w", err)
	}
	defer rows.Close()

	return scanAll(rows, func(row pgx.Rows) (FundamentalRecord, error) {
		var r FundamentalRecord
		err := row.Scan(&r.Symbol, &r.PeriodEnd, &r.PeriodType, &r.Revenue,
			&r.NetProfit, &r.EPS, &r.OperatingMargin, &r.NetMargin,
			&r.PERatio, &r.PBRatio, &r.ROE, &r.ROCE,
			&r.DebtToEquity, &r.CurrentRatio)
		return r, err
	})
}

// GetShareholding returns a symbol's ownership-pattern rows, newest first.
func (s *Store) GetShareholding(ctx context.Context, symbol string, limit int) ([]ShareholdingRecord, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT symbol, quarter_end, promoter_pct, fii_pct, dii_pct, public_pct, pledged_pct
		FROM shareholding_quarterly
		WHERE symbol = $1
		ORDER BY quarter_end DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shareholding: %w", err)
	}
	defer rows.Close()

	return scanAll(rows, func(row pgx.Rows) (ShareholdingRecord, error) {
		var r ShareholdingRecord
		err := row.Scan(&r.Symbol, &r.QuarterEnd, &r.PromoterPct, &r.FIIPct,
			&r.DIIPct, &r.PublicPct, &r.PledgedPct)
		return r, err
	})
}

func scanAll[T any](rows pgx.Rows, scan func(pgx.Rows) (T, error)) ([]T, error) {
	var out []T
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
