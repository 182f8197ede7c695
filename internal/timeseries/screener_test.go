package timeseries

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScreenQueryUnknownMetricIsDropped(t *testing.T) {
	query, args := buildScreenQuery(ScreenRequest{
		Filters: []Filter{
			{Metric: "market_cap_gazillions", Operator: OpGT, Value: 1},
		},
	})

	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "market_cap_gazillions")
	// Only the limit argument survives
	require.Len(t, args, 1)
	assert.Equal(t, defaultScreenLimit, args[0])
}

func TestBuildScreenQueryComparisonOperators(t *testing.T) {
	query, args := buildScreenQuery(ScreenRequest{
		Filters: []Filter{
			{Metric: "rsi_14", Operator: OpLT, Value: 30},
			{Metric: "pe_ratio", Operator: OpLTE, Value: 25},
		},
	})

	assert.Contains(t, query, "t.rsi_14 < $1")
	assert.Contains(t, query, "f.pe_ratio <= $2")
	require.Len(t, args, 3) // two filter values plus limit
	assert.Equal(t, 30.0, args[0])
	assert.Equal(t, 25.0, args[1])
}

func TestBuildScreenQueryBetween(t *testing.T) {
	upper := 60.0
	query, args := buildScreenQuery(ScreenRequest{
		Filters: []Filter{
			{Metric: "rsi_14", Operator: OpBetween, Value: 40, Value2: &upper},
		},
	})

	assert.Contains(t, query, "t.rsi_14 BETWEEN $1 AND $2")
	require.Len(t, args, 3)
	assert.Equal(t, 40.0, args[0])
	assert.Equal(t, 60.0, args[1])
}

func TestBuildScreenQueryBetweenWithoutUpperBoundIsDropped(t *testing.T) {
	query, args := buildScreenQuery(ScreenRequest{
		Filters: []Filter{
			{Metric: "rsi_14", Operator: OpBetween, Value: 40},
		},
	})

	assert.NotContains(t, query, "BETWEEN")
	require.Len(t, args, 1)
}

func TestBuildScreenQuerySymbolRestriction(t *testing.T) {
	query, args := buildScreenQuery(ScreenRequest{
		Symbols: []string{"RELIANCE", "TCS"},
	})

	assert.Contains(t, query, "p.symbol = ANY($1)")
	require.Len(t, args, 2)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, args[0])
}

func TestBuildScreenQuerySortAndStructure(t *testing.T) {
	query, _ := buildScreenQuery(ScreenRequest{
		SortBy:    "pe_ratio",
		SortOrder: "desc",
	})

	assert.Contains(t, query, "ORDER BY f.pe_ratio DESC NULLS LAST")
	assert.Contains(t, query, "DISTINCT ON (symbol)")
	assert.Contains(t, query, "LEFT JOIN latest_technicals")
	assert.Contains(t, query, "LEFT JOIN latest_fundamentals")
	assert.Contains(t, query, "LEFT JOIN latest_shareholding")
}

func TestBuildScreenQuerySortFallsBackToSymbol(t *testing.T) {
	query, _ := buildScreenQuery(ScreenRequest{SortBy: "nice_try; DROP TABLE"})
	assert.Contains(t, query, "ORDER BY p.symbol ASC NULLS LAST")
}

func TestBuildScreenQueryLimitClamped(t *testing.T) {
	_, args := buildScreenQuery(ScreenRequest{Limit: 10000})
	require.NotEmpty(t, args)
	assert.Equal(t, maxScreenLimit, args[len(args)-1])
}

func TestColumnMapAliasesAreWellFormed(t *testing.T) {
	for metric, column := range columnMap {
		parts := strings.SplitN(column, ".", 2)
		require.Len(t, parts, 2, "metric %s must map to an aliased column", metric)
		assert.Contains(t, []string{"p", "t", "f", "s"}, parts[0])
	}
}

func TestRecordValidation(t *testing.T) {
	assert.Error(t, PriceRecord{}.validate())
	assert.Error(t, TechnicalRecord{Symbol: "TCS"}.validate())
	assert.Error(t, FundamentalRecord{}.validate())
	assert.Error(t, ShareholdingRecord{Symbol: "TCS"}.validate())
}
