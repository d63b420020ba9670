package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllReturnsEightSlugs(t *testing.T) {
	slugs := All()
	require.Len(t, slugs, Count)

	seen := make(map[Slug]bool)
	for _, s := range slugs {
		assert.True(t, IsValid(s), "slug %q should be valid", s)
		assert.False(t, seen[s], "slug %q duplicated", s)
		seen[s] = true
	}
}

func TestParseAcceptsSlugAndDisplay(t *testing.T) {
	s, err := Parse("truthfulness")
	require.NoError(t, err)
	assert.Equal(t, Truthfulness, s)

	s, err = Parse("Doğruluk")
	require.NoError(t, err)
	assert.Equal(t, Truthfulness, s)

	s, err = Parse("Robustness")
	require.NoError(t, err)
	assert.Equal(t, Robustness, s)
}

func TestParseRejectsUnknownAndCaseVariants(t *testing.T) {
	// No case folding: the table is exact-match only.
	for _, raw := range []string{"", "TRUTHFULNESS", "truthfulness ", "dogruluk", "accuracy"} {
		_, err := Parse(raw)
		require.Error(t, err, "input %q must be rejected", raw)

		var invalid InvalidSlugError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, raw, invalid.Input)
	}
}

func TestDisplayRoundTrip(t *testing.T) {
	for _, s := range All() {
		display, err := SlugToDisplay(s)
		require.NoError(t, err)

		back, err := DisplayToSlug(display)
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
}

func TestSlugToDisplayRejectsUnknown(t *testing.T) {
	_, err := SlugToDisplay(Slug("accuracy"))
	assert.Error(t, err)
}
