package judge

import (
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

// Weighted-gap component weights: primary metric dominates, bonus metrics
// matter, the rest barely moves the needle.
const (
	weightPrimary = 0.7
	weightBonus   = 0.2
	weightOther   = 0.1
)

// verdictFor maps a user/judge score pair onto an alignment verdict.
// Significant verdicts take precedence over plain over/under.
func verdictFor(user, judge *int) string {
	switch {
	case user == nil && judge == nil:
		return model.VerdictAligned
	case user == nil || judge == nil:
		return model.VerdictNotApplicable
	}
	gap := *user - *judge
	switch {
	case gap >= 2:
		return model.VerdictSigOverEstimated
	case gap > 0:
		return model.VerdictOverEstimated
	case gap <= -2:
		return model.VerdictSigUnderEstimated
	case gap < 0:
		return model.VerdictUnderEstimated
	default:
		return model.VerdictAligned
	}
}

// buildAlignment computes the deterministic comparison table. Feedback prose
// is filled in later from the stage-2 completion; gap and verdict never are.
func buildAlignment(user map[metric.Slug]model.MetricScore, judge map[metric.Slug]model.IndependentScore) map[metric.Slug]model.AlignmentEntry {
	out := make(map[metric.Slug]model.AlignmentEntry, metric.Count)
	for _, slug := range metric.All() {
		u := user[slug].Score
		j := judge[slug].Score
		entry := model.AlignmentEntry{
			UserScore:  u,
			JudgeScore: j,
			Verdict:    verdictFor(u, j),
		}
		if u != nil && j != nil {
			gap := *u - *j
			entry.Gap = &gap
		}
		out[slug] = entry
	}
	return out
}

// weightedGap combines per-metric disagreements into one scalar in [0,5].
func weightedGap(user map[metric.Slug]model.MetricScore, judge map[metric.Slug]model.IndependentScore, primary metric.Slug, bonus []metric.Slug) float64 {
	isBonus := make(map[metric.Slug]bool, len(bonus))
	for _, b := range bonus {
		isBonus[b] = true
	}

	absGap := func(slug metric.Slug) (float64, bool) {
		u := user[slug].Score
		j := judge[slug].Score
		if u == nil || j == nil {
			return 0, false
		}
		g := float64(*u - *j)
		if g < 0 {
			g = -g
		}
		return g, true
	}

	p, _ := absGap(primary)

	var bonusSum, otherSum float64
	var bonusN, otherN int
	for _, slug := range metric.All() {
		if slug == primary {
			continue
		}
		g, ok := absGap(slug)
		if !ok {
			continue
		}
		if isBonus[slug] {
			bonusSum += g
			bonusN++
		} else {
			otherSum += g
			otherN++
		}
	}

	var b, o float64
	if bonusN > 0 {
		b = bonusSum / float64(bonusN)
	}
	if otherN > 0 {
		o = otherSum / float64(otherN)
	}

	w := weightPrimary*p + weightBonus*b + weightOther*o
	if w < 0 {
		w = 0
	}
	if w > 5 {
		w = 5
	}
	return w
}

// metaScore maps the weighted gap onto the 1..5 calibration grade.
func metaScore(w float64) int {
	switch {
	case w <= 0.5:
		return 5
	case w <= 1.0:
		return 4
	case w <= 1.5:
		return 3
	case w <= 2.0:
		return 2
	default:
		return 1
	}
}

// primaryMetricGap returns the signed user-minus-judge gap on the primary metric,
// or 0 when either side is unscored.
func primaryMetricGap(user map[metric.Slug]model.MetricScore, judge map[metric.Slug]model.IndependentScore, primary metric.Slug) float64 {
	u := user[primary].Score
	j := judge[primary].Score
	if u == nil || j == nil {
		return 0
	}
	return float64(*u - *j)
}

// mistakePattern names the learner's primary-metric failure mode for the
// memory document.
func mistakePattern(alignment map[metric.Slug]model.AlignmentEntry, primary metric.Slug) string {
	return alignment[primary].Verdict
}
