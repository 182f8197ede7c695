package timeseries

import (
	"context"
	"fmt"
)

// TableStats is one table's row count and on-disk size.
type TableStats struct {
	Rows int64  `json:"rows"`
	Size string `json:"size"`
}

// Stats is a snapshot of storage and pool health for status reporting.
type Stats struct {
	Tables        map[string]TableStats `json:"tables"`
	TotalConns    int32                 `json:"total_connections"`
	IdleConns     int32                 `json:"idle_connections"`
	AcquiredConns int32                 `json:"acquired_connections"`
	MaxConns      int32                 `json:"max_connections"`
}

var statTables = []string{
	"prices_daily",
	"technical_indicators",
	"fundamentals_quarterly",
	"shareholding_quarterly",
}

// GetStats reports per-table row counts and sizes plus pool occupancy.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{Tables: make(map[string]TableStats, len(statTables))}

	for _, table := range statTables {
		var ts TableStats
		countQuery := fmt.Sprintf("SELECT count(*) FROM %s", table)
		if err := s.pool.QueryRow(ctx, countQuery).Scan(&ts.Rows); err != nil {
			return stats, fmt.Errorf("failed to count %s: %w", table, err)
		}
		sizeQuery := "SELECT pg_size_pretty(pg_total_relation_size($1))"
		if err := s.pool.QueryRow(ctx, sizeQuery, table).Scan(&ts.Size); err != nil {
			return stats, fmt.Errorf("failed to size %s: %w", table, err)
		}
		stats.Tables[table] = ts
	}

	pool := s.pool.Stat()
	stats.TotalConns = pool.TotalConns()
	stats.IdleConns = pool.IdleConns()
	stats.AcquiredConns = pool.AcquiredConns()
	stats.MaxConns = pool.MaxConns()

	return stats, nil
}
