package relay

import (
	"unicode/utf8"

	"recipe-assistant/internal/domain"
)

// DefaultCharLimit is the response budget applied when none is configured.
const DefaultCharLimit = 5000

// Budget enforces the cumulative character limit on forwarded response text.
// Characters are counted as runes.
type Budget struct {
	limit     int
	count     int
	truncated bool
}

// NewBudget returns a Budget with the given limit; non-positive limits fall
// back to DefaultCharLimit.
func NewBudget(limit int) *Budget {
	if limit <= 0 {
		limit = DefaultCharLimit
	}
	return &Budget{limit: limit}
}

// Admit accounts for delta and returns the fragment to forward. The delta that
// first pushes the total over the limit is forwarded once with IsTruncated set;
// every later delta is rejected.
func (b *Budget) Admit(delta string) (domain.Fragment, bool) {
	if b.truncated {
		return domain.Fragment{}, false
	}
	b.count += utf8.RuneCountInString(delta)
	if b.count > b.limit {
		b.truncated = true
		return domain.Fragment{Chunk: delta, IsTruncated: true}, true
	}
	return domain.Fragment{Chunk: delta}, true
}

func (b *Budget) Truncated() bool { return b.truncated }

func (b *Budget) Count() int { return b.count }

func (b *Budget) Limit() int { return b.limit }
