package candidate

// Tier selects which subgraph shapes the candidate source looks for. Good
// quality candidates come from densely connected shapes (triangles and
// squares), bad quality ones from circular chains, which only ever reach an
// acceptable score after repair.
type Tier string

const (
	GoodQuality Tier = "good"
	BadQuality  Tier = "bad"
)
