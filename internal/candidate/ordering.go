package candidate

import (
	"github.com/emirpasic/gods/sets/treeset"
)

// OrderingMode selects which metric pair ranks candidates first.
type OrderingMode int

const (
	// QualityFirst ranks by rounded quality ascending, then average
	// connections amount descending.
	QualityFirst OrderingMode = iota

	// SizeFirst ranks by rounded average connections amount descending,
	// then quality ascending.
	SizeFirst
)

// CompareAnalyzed returns the canonical comparator for the given mode.
// Negative means a ranks better than b. The analysis id is the final
// tie-break: two structurally different candidates that happen to score the
// same must still be kept apart by the ordering store.
func CompareAnalyzed(mode OrderingMode) func(a, b *AnalyzedGroup) int {
	return func(a, b *AnalyzedGroup) int {
		switch mode {
		case SizeFirst:
			if c := compareInt(b.Analysis.AverageConnectionsAmountRounded, a.Analysis.AverageConnectionsAmountRounded); c != 0 {
				return c
			}
			if c := compareFloat(a.Analysis.Quality, b.Analysis.Quality); c != 0 {
				return c
			}
		default:
			if c := compareFloat(a.Analysis.QualityRounded, b.Analysis.QualityRounded); c != 0 {
				return c
			}
			if c := compareFloat(b.Analysis.AverageConnectionsAmount, a.Analysis.AverageConnectionsAmount); c != 0 {
				return c
			}
		}
		return compareUint(a.Analysis.AnalysisID, b.Analysis.AnalysisID)
	}
}

// OrderedGroups is an ordered collection of analyzed candidates keyed by the
// quality comparator. The minimum is the best ranked candidate.
type OrderedGroups struct {
	set *treeset.Set
}

// NewOrderedGroups creates an empty store for the given ordering mode.
func NewOrderedGroups(mode OrderingMode) *OrderedGroups {
	cmp := CompareAnalyzed(mode)
	return &OrderedGroups{
		set: treeset.NewWith(func(a, b interface{}) int {
			return cmp(a.(*AnalyzedGroup), b.(*AnalyzedGroup))
		}),
	}
}

// Insert adds the analyzed candidate to the store.
func (o *OrderedGroups) Insert(a *AnalyzedGroup) {
	o.set.Add(a)
}

// RemoveMinimum pops the best ranked candidate, or returns nil when the store
// is empty.
func (o *OrderedGroups) RemoveMinimum() *AnalyzedGroup {
	it := o.set.Iterator()
	if !it.Next() {
		return nil
	}
	best := it.Value().(*AnalyzedGroup)
	o.set.Remove(best)
	return best
}

// Remove deletes the given candidate from the store.
func (o *OrderedGroups) Remove(a *AnalyzedGroup) {
	o.set.Remove(a)
}

// Size returns the amount of stored candidates.
func (o *OrderedGroups) Size() int {
	return o.set.Size()
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
