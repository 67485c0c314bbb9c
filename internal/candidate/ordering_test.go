package candidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityFirstOrdering(t *testing.T) {
	settings := testSettings()

	dense := Analyze(clique("p", "q", "r", "s"), settings)  // quality 0, avg 3
	perfect := Analyze(clique("a", "b", "c"), settings)     // quality 0, avg 2
	mediocre := Analyze(path("m", "n", "o", "p"), settings) // quality 0.19
	bad := Analyze(path("x", "y", "z"), settings)           // quality 0.33

	store := NewOrderedGroups(QualityFirst)
	store.Insert(bad)
	store.Insert(perfect)
	store.Insert(mediocre)
	store.Insert(dense)
	require.Equal(t, 4, store.Size())

	// Equal rounded quality is broken by average connections descending.
	assert.Same(t, dense, store.RemoveMinimum())
	assert.Same(t, perfect, store.RemoveMinimum())
	assert.Same(t, mediocre, store.RemoveMinimum())
	assert.Same(t, bad, store.RemoveMinimum())
	assert.Nil(t, store.RemoveMinimum())
}

func TestSizeFirstOrdering(t *testing.T) {
	settings := testSettings()

	small := Analyze(clique("a", "b", "c"), settings)
	big := Analyze(AddUser(clique("p", "q", "r", "s"), User{UserID: "t", Matches: []string{"p", "q"}}), settings)

	store := NewOrderedGroups(SizeFirst)
	store.Insert(small)
	store.Insert(big)

	// The denser group ranks first despite the worse quality.
	assert.Same(t, big, store.RemoveMinimum())
	assert.Same(t, small, store.RemoveMinimum())
}

func TestOrderingKeepsEqualCandidatesApart(t *testing.T) {
	settings := testSettings()

	first := Analyze(clique("a", "b", "c"), settings)
	second := Analyze(clique("x", "y", "z"), settings)

	store := NewOrderedGroups(QualityFirst)
	store.Insert(first)
	store.Insert(second)

	// Identical metrics must not coalesce, the analysis id keeps them
	// distinct and in insertion order.
	require.Equal(t, 2, store.Size())
	assert.Same(t, first, store.RemoveMinimum())
	assert.Same(t, second, store.RemoveMinimum())
}

func TestOrderingRemove(t *testing.T) {
	settings := testSettings()

	a := Analyze(clique("a", "b", "c"), settings)
	b := Analyze(path("x", "y", "z"), settings)

	store := NewOrderedGroups(QualityFirst)
	store.Insert(a)
	store.Insert(b)

	store.Remove(a)
	assert.Equal(t, 1, store.Size())
	assert.Same(t, b, store.RemoveMinimum())
}

func TestReinsertAfterEditRanksByNewAnalysis(t *testing.T) {
	settings := testSettings()

	bad := Analyze(path("x", "y", "z", "w"), settings)
	good := Analyze(clique("a", "b", "c"), settings)

	store := NewOrderedGroups(QualityFirst)
	store.Insert(bad)
	store.Insert(good)

	popped := store.RemoveMinimum()
	require.Same(t, good, popped)

	// A repaired candidate re-enters under its fresh analysis.
	repaired := Analyze(clique("x", "y", "z"), settings)
	store.Insert(repaired)

	assert.Same(t, repaired, store.RemoveMinimum())
	assert.Same(t, bad, store.RemoveMinimum())
}
