package storage

import (
	"context"
	"fmt"

	"github.com/mentormind/mentormind/internal/metric"
)

// MetricAggregate is the per-metric roll-up over judge results where the
// metric was primary.
type MetricAggregate struct {
	Metric metric.Slug
	Count  int
	AvgGap float64
}

// AggregateJudgeStats returns the judge-result totals and the per-primary-metric
// averages of the learner's primary metric gap.
func (db *DB) AggregateJudgeStats(ctx context.Context) (total int, avgMeta float64, per []MetricAggregate, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT count(*), coalesce(avg(meta_score), 0) FROM judge_evaluations`,
	).Scan(&total, &avgMeta)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("storage: aggregate judge stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT primary_metric, count(*), avg(abs(primary_metric_gap))
		 FROM judge_evaluations
		 GROUP BY primary_metric`,
	)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("storage: aggregate per metric: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a MetricAggregate
		if err := rows.Scan(&a.Metric, &a.Count, &a.AvgGap); err != nil {
			return 0, 0, nil, fmt.Errorf("storage: scan metric aggregate: %w", err)
		}
		per = append(per, a)
	}
	return total, avgMeta, per, rows.Err()
}

// ListPrimaryGaps returns the most recent absolute primary metric gaps for one
// metric, newest first. Used for trend windows.
func (db *DB) ListPrimaryGaps(ctx context.Context, slug metric.Slug, limit int) ([]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT abs(primary_metric_gap) FROM judge_evaluations
		 WHERE primary_metric = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, slug, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list primary gaps: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var g float64
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("storage: scan primary gap: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListRecentMetaScores returns the most recent meta-scores, newest first.
func (db *DB) ListRecentMetaScores(ctx context.Context, limit int) ([]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT meta_score FROM judge_evaluations
		 ORDER BY created_at DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent meta scores: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var s int
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: scan meta score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
