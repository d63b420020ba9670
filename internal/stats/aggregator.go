// Package stats rolls judge results up into the learner's progress overview.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

// Trend window sizes and the dead band below which movement counts as noise.
const (
	trendWindow    = 10
	trendMinRecent = 5
	trendDeadBand  = 0.15
)

// Store is the storage slice the aggregator reads.
type Store interface {
	AggregateJudgeStats(ctx context.Context) (total int, avgMeta float64, per []storage.MetricAggregate, err error)
	ListPrimaryGaps(ctx context.Context, slug metric.Slug, limit int) ([]float64, error)
	ListRecentMetaScores(ctx context.Context, limit int) ([]int, error)
}

// Aggregator computes the stats overview.
type Aggregator struct {
	store  Store
	logger *slog.Logger
}

// New wires the aggregator.
func New(store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// Overview assembles the full progress report: totals, per-metric gap
// averages with trends, and a one-line summary.
func (a *Aggregator) Overview(ctx context.Context) (model.StatsOverview, error) {
	total, avgMeta, per, err := a.store.AggregateJudgeStats(ctx)
	if err != nil {
		return model.StatsOverview{}, err
	}

	metrics := make(map[metric.Slug]model.MetricStats, len(per))
	for _, agg := range per {
		gaps, err := a.store.ListPrimaryGaps(ctx, agg.Metric, 2*trendWindow)
		if err != nil {
			return model.StatsOverview{}, err
		}
		metrics[agg.Metric] = model.MetricStats{
			AvgPrimaryMetricGap: agg.AvgGap,
			Count:               agg.Count,
			Trend:               trendOf(gaps),
		}
	}

	summary, err := a.improvementTrend(ctx, total)
	if err != nil {
		return model.StatsOverview{}, err
	}

	return model.StatsOverview{
		TotalEvaluations: total,
		AvgMetaScore:     avgMeta,
		Metrics:          metrics,
		ImprovementTrend: summary,
	}, nil
}

// trendOf compares the mean absolute gap over the last ten rows against the
// preceding ten. Input is newest first, as ListPrimaryGaps returns it.
func trendOf(gaps []float64) string {
	recent := gaps
	if len(recent) > trendWindow {
		recent = recent[:trendWindow]
	}
	if len(recent) < trendMinRecent {
		return model.TrendInsufficientData
	}

	var previous []float64
	if len(gaps) > trendWindow {
		previous = gaps[trendWindow:]
	}
	if len(previous) == 0 {
		return model.TrendInsufficientData
	}

	delta := mean(recent) - mean(previous)
	switch {
	case math.Abs(delta) < trendDeadBand:
		return model.TrendStable
	case delta < 0:
		// Gaps shrinking means calibration getting better.
		return model.TrendImproving
	default:
		return model.TrendDeclining
	}
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// improvementTrend renders the one-line summary from recent meta-scores.
func (a *Aggregator) improvementTrend(ctx context.Context, total int) (string, error) {
	if total == 0 {
		return "No judged evaluations yet.", nil
	}
	scores, err := a.store.ListRecentMetaScores(ctx, 2*trendWindow)
	if err != nil {
		return "", err
	}

	recent := scores
	if len(recent) > trendWindow {
		recent = recent[:trendWindow]
	}
	recentAvg := meanInt(recent)

	if len(scores) <= trendWindow || len(recent) < trendMinRecent {
		return fmt.Sprintf("Average calibration score %.1f/5 over the last %d evaluations.", recentAvg, len(recent)), nil
	}

	previousAvg := meanInt(scores[trendWindow:])
	delta := recentAvg - previousAvg
	switch {
	case math.Abs(delta) < trendDeadBand:
		return fmt.Sprintf("Calibration holding steady at %.1f/5.", recentAvg), nil
	case delta > 0:
		return fmt.Sprintf("Calibration improving: %.1f/5 recently, up from %.1f/5.", recentAvg, previousAvg), nil
	default:
		return fmt.Sprintf("Calibration slipping: %.1f/5 recently, down from %.1f/5.", recentAvg, previousAvg), nil
	}
}

func meanInt(v []int) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum int
	for _, x := range v {
		sum += x
	}
	return float64(sum) / float64(len(v))
}
