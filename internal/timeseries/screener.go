package timeseries

import (
	"context"
	"fmt"
	"strings"
)

// FilterOp is a screener comparison operator.
type FilterOp string

const (
	OpGT      FilterOp = "gt"
	OpLT      FilterOp = "lt"
	OpGTE     FilterOp = "gte"
	OpLTE     FilterOp = "lte"
	OpEQ      FilterOp = "eq"
	OpBetween FilterOp = "between"
)

// Filter is one metric condition. Value2 is used only by the between
// operator.
type Filter struct {
	Metric   string   `json:"metric"`
	Operator FilterOp `json:"operator"`
	Value    float64  `json:"value"`
	Value2   *float64 `json:"value2,omitempty"`
}

// ScreenRequest describes a multi-metric screen across the latest row of
// each table.
type ScreenRequest struct {
	Filters   []Filter `json:"filters"`
	Symbols   []string `json:"symbols,omitempty"`
	SortBy    string   `json:"sort_by,omitempty"`
	SortOrder string   `json:"sort_order,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

const (
	defaultScreenLimit = 100
	maxScreenLimit     = 500
)

// columnMap is the screener metric allow-list. Only metrics named here can
// appear in filters or sort keys; anything else is dropped without error.
var columnMap = map[string]string{
	"close":          "p.close",
	"open":           "p.open",
	"high":           "p.high",
	"low":            "p.low",
	"prev_close":     "p.prev_close",
	"volume":         "p.volume",
	"turnover":       "p.turnover",
	"delivery_pct":   "p.delivery_pct",
	"sma_20":         "t.sma_20",
	"sma_50":         "t.sma_50",
	"sma_200":        "t.sma_200",
	"ema_12":         "t.ema_12",
	"ema_26":         "t.ema_26",
	"rsi_14":         "t.rsi_14",
	"macd":           "t.macd",
	"macd_signal":    "t.macd_signal",
	"atr_14":         "t.atr_14",
	"adx_14":         "t.adx_14",
	"obv":            "t.obv",
	"revenue":        "f.revenue",
	"net_profit":     "f.net_profit",
	"eps":            "f.eps",
	"pe_ratio":       "f.pe_ratio",
	"pb_ratio":       "f.pb_ratio",
	"roe":            "f.roe",
	"roce":           "f.roce",
	"debt_to_equity": "f.debt_to_equity",
	"current_ratio":  "f.current_ratio",
	"net_margin":     "f.net_margin",
	"promoter_pct":   "s.promoter_pct",
	"fii_pct":        "s.fii_pct",
	"dii_pct":        "s.dii_pct",
	"public_pct":     "s.public_pct",
	"pledged_pct":    "s.pledged_pct",
}

const screenBase = `
WITH latest_prices AS (
	SELECT DISTINCT ON (symbol) *
	FROM prices_daily
	ORDER BY symbol, date DESC
), latest_technicals AS (
	SELECT DISTINCT ON (symbol) *
	FROM technical_indicators
	ORDER BY symbol, date DESC
), latest_fundamentals AS (
	SELECT DISTINCT ON (symbol) *
	FROM fundamentals_quarterly
	ORDER BY symbol, period_end DESC
), latest_shareholding AS (
	SELECT DISTINCT ON (symbol) *
	FROM shareholding_quarterly
	ORDER BY symbol, quarter_end DESC
)
SELECT p.symbol, p.date, p.close, p.volume,
       t.rsi_14, t.sma_50, t.sma_200, t.macd,
       f.pe_ratio, f.pb_ratio, f.roe, f.eps,
       s.promoter_pct, s.fii_pct, s.pledged_pct
FROM latest_prices p
LEFT JOIN latest_technicals t ON t.symbol = p.symbol
LEFT JOIN latest_fundamentals f ON f.symbol = p.symbol
LEFT JOIN latest_shareholding s ON s.symbol = p.symbol`

// buildScreenQuery assembles the screener SQL and its arguments. Unknown
// metrics are silently skipped so a client with a stale metric list still
// gets results from the filters it got right.
func buildScreenQuery(req ScreenRequest) (string, []any) {
	var (
		conds []string
		args  []any
	)

	for _, f := range req.Filters {
		column, ok := columnMap[f.Metric]
		if !ok {
			continue
		}
		switch f.Operator {
		case OpGT, OpLT, OpGTE, OpLTE, OpEQ:
			op := map[FilterOp]string{
				OpGT: ">", OpLT: "<", OpGTE: ">=", OpLTE: "<=", OpEQ: "=",
			}[f.Operator]
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("%s %s $%d", column, op, len(args)))
		case OpBetween:
			if f.Value2 == nil {
				continue
			}
			args = append(args, f.Value)
			low := len(args)
			args = append(args, *f.Value2)
			conds = append(conds, fmt.Sprintf("%s BETWEEN $%d AND $%d", column, low, len(args)))
		}
	}

	if len(req.Symbols) > 0 {
		args = append(args, req.Symbols)
		conds = append(conds, fmt.Sprintf("p.symbol = ANY($%d)", len(args)))
	}

	query := screenBase
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}

	sortColumn := "p.symbol"
	if column, ok := columnMap[req.SortBy]; ok {
		sortColumn = column
	}
	direction := "ASC"
	if strings.EqualFold(req.SortOrder, "desc") {
		direction = "DESC"
	}
	query += fmt.Sprintf("\nORDER BY %s %s NULLS LAST", sortColumn, direction)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultScreenLimit
	}
	if limit > maxScreenLimit {
		limit = maxScreenLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf("\nLIMIT $%d", len(args))

	return query, args
}

// Screen runs a multi-metric screen over the latest row of each table per
// symbol and returns matching rows as generic column maps.
func (s *Store) Screen(ctx context.Context, req ScreenRequest) ([]map[string]any, error) {
	query, args := buildScreenQuery(req)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("screen query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read screen row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("screen iteration failed: %w", err)
	}

	s.log.Debug().Int("matches", len(results)).Int("filters", len(req.Filters)).Msg("Screen complete")
	return results, nil
}
