package history

import (
	"context"
	"database/sql"
	"time"
)

// Summary aggregates the sizing ledger
type Summary struct {
	Builds     int `json:"builds"`
	Completed  int `json:"completed"`
	Successful int `json:"successful"`
	// Undersized counts completed builds whose peak memory exceeded the
	// capacity of the tier they were given.
	Undersized int `json:"undersized"`
	// MeanAbsMemoryErrorGB compares predicted memory with measured peak
	// memory over completed builds.
	MeanAbsMemoryErrorGB float64        `json:"meanAbsMemoryErrorGb"`
	EstimatedCostUSD     float64        `json:"estimatedCostUsd"`
	PerTier              map[string]int `json:"perTier"`
	TrainingRuns         int            `json:"trainingRuns"`
	LastModelVersion     string         `json:"lastModelVersion,omitempty"`
	LastTrainedAt        time.Time      `json:"lastTrainedAt"`
}

// Summary computes ledger-wide statistics
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{PerTier: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(completed_at),
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN completed_at IS NOT NULL AND memory_max_mb / 1024.0 > tier_capacity_gb THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN completed_at IS NOT NULL THEN ABS(memory_max_mb / 1024.0 - predicted_memory_gb) END), 0),
			COALESCE(SUM(CASE WHEN completed_at IS NOT NULL THEN hourly_cost * build_time_sec / 3600.0 ELSE 0 END), 0)
		FROM decisions
	`).Scan(&sum.Builds, &sum.Completed, &sum.Successful, &sum.Undersized, &sum.MeanAbsMemoryErrorGB, &sum.EstimatedCostUSD)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM decisions GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		sum.PerTier[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_runs`).Scan(&sum.TrainingRuns); err != nil {
		return nil, err
	}

	var version sql.NullString
	var finished sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT model_version, finished_at FROM training_runs
		WHERE trained = 1 ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&version, &finished)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		sum.LastModelVersion = version.String
		sum.LastTrainedAt = finished.Time
	}

	return sum, nil
}
