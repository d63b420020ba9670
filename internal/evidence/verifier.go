// Package evidence validates judge-claimed quotes against the answer text.
//
// Judge models routinely return quotes with drifted byte offsets, or quotes
// paraphrased just enough to miss an exact match. The verifier recovers the
// true span where it can and degrades the claim where it cannot, so the UI
// never highlights a span that does not byte-for-byte equal the quote.
package evidence

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

// Verifier checks evidence quotes against an answer in five stages, strongest
// claim first:
//
//  1. exact slice: the claimed offsets already hold the quote
//  2. substring: the quote occurs verbatim elsewhere, offsets are repaired
//  3. anchors: head and tail of the quote found within a bounded window,
//     recovering spans where the model mangled the middle
//  4. whitespace-normalized match: quote text is present modulo whitespace,
//     verified but not highlightable, offsets untouched
//  5. unverifiable: the claim is kept as-is, flagged unverified
type Verifier struct {
	anchorLen    int
	searchWindow int
	logger       *slog.Logger
}

// New returns a Verifier. anchorLen is the head/tail probe length for stage 3;
// searchWindow bounds how far past the head anchor the tail may occur.
func New(anchorLen, searchWindow int, logger *slog.Logger) *Verifier {
	return &Verifier{anchorLen: anchorLen, searchWindow: searchWindow, logger: logger}
}

// VerifyAll runs Verify over every item of every metric and logs the
// verified/total tally.
func (v *Verifier) VerifyAll(ctx context.Context, answer string, evidence map[metric.Slug][]model.EvidenceItem) map[metric.Slug][]model.EvidenceItem {
	if evidence == nil {
		return nil
	}
	verified, total := 0, 0
	out := make(map[metric.Slug][]model.EvidenceItem, len(evidence))
	for slug, items := range evidence {
		checked := make([]model.EvidenceItem, len(items))
		for i, item := range items {
			checked[i] = v.Verify(answer, item)
			total++
			if checked[i].Verified {
				verified++
			}
		}
		out[slug] = checked
	}
	v.logger.InfoContext(ctx, "evidence verified", "verified", verified, "total", total)
	return out
}

// Verify resolves one evidence item against the answer.
func (v *Verifier) Verify(answer string, item model.EvidenceItem) model.EvidenceItem {
	if item.Quote == "" {
		item.Verified = false
		item.HighlightAvailable = false
		return item
	}

	// Stage 1: claimed offsets are already correct.
	if item.Start >= 0 && item.End > item.Start && item.End <= len(answer) &&
		answer[item.Start:item.End] == item.Quote {
		item.Verified = true
		item.HighlightAvailable = true
		return item
	}

	// Stage 2: quote occurs verbatim elsewhere.
	if idx := strings.Index(answer, item.Quote); idx >= 0 {
		item.Start = idx
		item.End = idx + len(item.Quote)
		item.Verified = true
		item.HighlightAvailable = true
		return item
	}

	// Stage 3: anchor recovery. The quote is rewritten to the recovered span
	// so the highlight invariant (answer[start:end] == quote) holds.
	if start, end, ok := v.recoverByAnchors(answer, item.Quote); ok {
		item.Quote = answer[start:end]
		item.Start = start
		item.End = end
		item.Verified = true
		item.HighlightAvailable = true
		return item
	}

	// Stage 4: whitespace-insensitive presence. The quote is real but cannot
	// be mapped to a byte span; offsets stay as claimed and must not be used
	// for highlighting.
	if normalizedContains(answer, item.Quote) {
		item.Verified = true
		item.HighlightAvailable = false
		return item
	}

	// Stage 5: unverifiable claim, kept for transparency.
	item.Verified = false
	item.HighlightAvailable = false
	return item
}

// recoverByAnchors finds the head anchor of the quote anywhere in the answer,
// then the tail anchor within a bounded window after it. The window prevents
// matching a later unrelated occurrence of the tail.
func (v *Verifier) recoverByAnchors(answer, quote string) (int, int, bool) {
	if len(quote) < 2*v.anchorLen {
		return 0, 0, false
	}
	head := quote[:v.anchorLen]
	tail := quote[len(quote)-v.anchorLen:]

	h := strings.Index(answer, head)
	if h < 0 {
		return 0, 0, false
	}

	hi := h + len(quote) + v.searchWindow
	if hi > len(answer) {
		hi = len(answer)
	}
	window := answer[h:hi]

	t := strings.Index(window[v.anchorLen:], tail)
	if t < 0 {
		return 0, 0, false
	}

	start := h
	end := h + v.anchorLen + t + v.anchorLen
	return start, end, true
}

// normalizedContains reports whether needle occurs in haystack after
// collapsing every whitespace run to a single space.
func normalizedContains(haystack, needle string) bool {
	n := strings.Join(strings.Fields(needle), " ")
	if n == "" {
		return false
	}
	return strings.Contains(strings.Join(strings.Fields(haystack), " "), n)
}
