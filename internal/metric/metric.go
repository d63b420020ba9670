// Package metric defines the closed set of rubric metric slugs and the
// display-name conversion boundary.
//
// Everything persisted below this layer (snapshots, evidence, chat payloads)
// is keyed by slug. Display names (the upstream judge model writes Turkish
// headings, older prompt revisions wrote English ones) are mapped through an
// explicit table; there is no case folding or fuzzy matching. Unknown input
// fails with InvalidSlugError at the boundary.
package metric

import "fmt"

// Slug is one of the eight closed-set metric identifiers used as storage key.
type Slug string

const (
	Truthfulness Slug = "truthfulness"
	Helpfulness  Slug = "helpfulness"
	Safety       Slug = "safety"
	Bias         Slug = "bias"
	Clarity      Slug = "clarity"
	Consistency  Slug = "consistency"
	Efficiency   Slug = "efficiency"
	Robustness   Slug = "robustness"
)

// Count is the fixed number of metrics. Learner evaluations, judge scores and
// alignment tables must carry exactly this many entries.
const Count = 8

// all lists the slugs in canonical (prompt and display) order.
var all = []Slug{
	Truthfulness,
	Helpfulness,
	Safety,
	Bias,
	Clarity,
	Consistency,
	Efficiency,
	Robustness,
}

// slugToDisplay maps each slug to its deployment display name (Turkish).
var slugToDisplay = map[Slug]string{
	Truthfulness: "Doğruluk",
	Helpfulness:  "Faydalılık",
	Safety:       "Güvenlik",
	Bias:         "Yanlılık",
	Clarity:      "Açıklık",
	Consistency:  "Tutarlılık",
	Efficiency:   "Verimlilik",
	Robustness:   "Dayanıklılık",
}

// displayToSlug is the explicit reverse table. It accepts the Turkish display
// names and the English headings emitted by earlier judge prompt revisions.
// Entries are exact strings; no normalization is applied.
var displayToSlug = map[string]Slug{
	"Doğruluk":     Truthfulness,
	"Faydalılık":   Helpfulness,
	"Güvenlik":     Safety,
	"Yanlılık":     Bias,
	"Açıklık":      Clarity,
	"Tutarlılık":   Consistency,
	"Verimlilik":   Efficiency,
	"Dayanıklılık": Robustness,

	"Truthfulness": Truthfulness,
	"Helpfulness":  Helpfulness,
	"Safety":       Safety,
	"Bias":         Bias,
	"Clarity":      Clarity,
	"Consistency":  Consistency,
	"Efficiency":   Efficiency,
	"Robustness":   Robustness,
}

// InvalidSlugError reports an input that is neither a slug nor a known display name.
type InvalidSlugError struct {
	Input string
}

func (e InvalidSlugError) Error() string {
	return fmt.Sprintf("metric: unknown metric %q", e.Input)
}

// All returns the eight slugs in canonical order. The returned slice is a copy.
func All() []Slug {
	out := make([]Slug, len(all))
	copy(out, all)
	return out
}

// IsValid reports whether s is a member of the closed slug set.
func IsValid(s Slug) bool {
	_, ok := slugToDisplay[s]
	return ok
}

// Parse converts raw input to a Slug. It accepts exact slug strings and exact
// display names from the conversion table, in that order.
func Parse(raw string) (Slug, error) {
	if IsValid(Slug(raw)) {
		return Slug(raw), nil
	}
	if s, ok := displayToSlug[raw]; ok {
		return s, nil
	}
	return "", InvalidSlugError{Input: raw}
}

// DisplayToSlug converts a display name to its slug via the explicit table.
func DisplayToSlug(display string) (Slug, error) {
	if s, ok := displayToSlug[display]; ok {
		return s, nil
	}
	return "", InvalidSlugError{Input: display}
}

// SlugToDisplay converts a slug to its deployment display name.
func SlugToDisplay(s Slug) (string, error) {
	if d, ok := slugToDisplay[s]; ok {
		return d, nil
	}
	return "", InvalidSlugError{Input: string(s)}
}
