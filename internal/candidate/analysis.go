package candidate

import (
	"math"
	"sync/atomic"
)

// Settings holds the tunables of candidate analysis and editing.
type Settings struct {
	// MinGroupSize is the global lower bound on group size, used when a slot
	// does not carry its own minimum.
	MinGroupSize int

	// MaxGroupSize is the hard upper bound on group size.
	MaxGroupSize int

	// MinConnectionsToBeOnGroup is the least matches inside the candidate a
	// member may hold before the editing cascades remove them.
	MinConnectionsToBeOnGroup int

	// MaxConnectionsPossibleInReality caps how many simultaneous connections
	// per user are counted when scoring. A person cannot meaningfully share
	// attention across more connections than this, so the excess is trimmed
	// away before computing the metrics.
	MaxConnectionsPossibleInReality int

	// MaxQuality is the worst connections-metaconnections distance a
	// candidate may have and still pass the minimum quality check. Lower
	// quality values are better.
	MaxQuality float64

	// Mode selects the comparator used to rank analyzed candidates.
	Mode OrderingMode
}

// Analysis holds the connectivity metrics of a group candidate at the moment
// it was analyzed. It becomes stale as soon as the underlying candidate is
// edited, callers must re-analyze after every edit.
type Analysis struct {
	Quality                         float64
	QualityRounded                  float64
	AverageConnectionsAmount        float64
	AverageConnectionsAmountRounded int
	ConnectionsCoverageAverage      float64
	ConnectionsCountInequalityLevel float64

	// AnalysisID distinguishes two analyses that compare equal on every
	// metric. The ordering store needs a strict total order so that
	// structurally different candidates are never coalesced.
	AnalysisID uint64
}

// AnalyzedGroup pairs a candidate with its analysis.
type AnalyzedGroup struct {
	Group    *Group
	Analysis Analysis
}

var analysisCounter atomic.Uint64

// roundDecimals rounds to two decimal places, the precision the comparator
// buckets qualities into.
func roundDecimals(v float64) float64 {
	return math.Round(v*100) / 100
}

// Analyze computes the connectivity metrics of the candidate. Scoring is done
// on a trimmed copy so the argument is left untouched.
func Analyze(g *Group, settings Settings) *AnalyzedGroup {
	trimmed := trimToRealisticConnections(g, settings.MaxConnectionsPossibleInReality)

	quality := ConnectionsMetaconnectionsDistance(trimmed)
	avgConnections := AverageConnectionsAmount(trimmed)

	return &AnalyzedGroup{
		Group: g,
		Analysis: Analysis{
			Quality:                         quality,
			QualityRounded:                  roundDecimals(quality),
			AverageConnectionsAmount:        avgConnections,
			AverageConnectionsAmountRounded: int(math.Round(avgConnections)),
			ConnectionsCoverageAverage:      ConnectionsCoverageAverage(trimmed),
			ConnectionsCountInequalityLevel: ConnectionsCountInequalityLevel(trimmed),
			AnalysisID:                      analysisCounter.Add(1),
		},
	}
}

// HasMinimumQuality reports whether the analyzed candidate passes the quality
// bar.
func HasMinimumQuality(a *AnalyzedGroup, settings Settings) bool {
	return a.Analysis.Quality <= settings.MaxQuality
}

// BestGroup returns the better ranked of two analyzed candidates. When both
// analyses are identical on every metric the first argument wins.
func BestGroup(a, b *AnalyzedGroup, mode OrderingMode) *AnalyzedGroup {
	if sameMetrics(a.Analysis, b.Analysis) {
		return a
	}
	if CompareAnalyzed(mode)(a, b) <= 0 {
		return a
	}
	return b
}

func sameMetrics(a, b Analysis) bool {
	return a.Quality == b.Quality &&
		a.QualityRounded == b.QualityRounded &&
		a.AverageConnectionsAmount == b.AverageConnectionsAmount &&
		a.AverageConnectionsAmountRounded == b.AverageConnectionsAmountRounded &&
		a.ConnectionsCoverageAverage == b.ConnectionsCoverageAverage &&
		a.ConnectionsCountInequalityLevel == b.ConnectionsCountInequalityLevel
}

// AverageConnectionsAmount is the mean match count per member. Higher is
// better, unbounded.
func AverageConnectionsAmount(g *Group) float64 {
	if len(g.Users) == 0 {
		return 0
	}
	total := 0
	for _, u := range g.Users {
		total += len(u.Matches)
	}
	return float64(total) / float64(len(g.Users))
}

// ConnectionsCoverageAverage is the mean, over members, of the fraction of
// the rest of the group each member is connected to. Informational only.
func ConnectionsCoverageAverage(g *Group) float64 {
	n := len(g.Users)
	if n <= 1 {
		return 0
	}
	total := 0.0
	for _, u := range g.Users {
		total += float64(len(u.Matches)) / float64(n-1)
	}
	return total / float64(n)
}

// ConnectionsCountInequalityLevel measures how unevenly the connections are
// distributed between members: the mean absolute deviation of the per-member
// connection counts divided by the deviation of the maximally unequal
// distribution of the same total. 0 means perfectly even, 1 maximally skewed.
func ConnectionsCountInequalityLevel(g *Group) float64 {
	n := len(g.Users)
	if n == 0 {
		return 0
	}

	counts := make([]float64, n)
	total := 0.0
	for i, u := range g.Users {
		counts[i] = float64(len(u.Matches))
		total += counts[i]
	}

	// Worst case of the same total: one member holds everything.
	worst := make([]float64, n)
	worst[0] = total

	level := meanAbsoluteDeviation(counts) / meanAbsoluteDeviation(worst)
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return 0
	}
	return level
}

func meanAbsoluteDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	dev := 0.0
	for _, v := range values {
		dev += math.Abs(v - mean)
	}
	return dev / float64(len(values))
}

// ConnectionsMetaconnectionsDistance is the primary quality metric: for each
// member, the average absolute difference between the member's connection
// count and the connection counts of the members they are connected to. A
// member with zero connections contributes the group size as its distance,
// being disconnected is the worst case. The per-member distances are summed
// and divided by the amount of members twice, which keeps the value roughly
// inside [0,1] for realistic groups. Lower is better.
func ConnectionsMetaconnectionsDistance(g *Group) float64 {
	n := len(g.Users)
	if n == 0 {
		return 0
	}

	total := 0.0
	for _, u := range g.Users {
		distancesSum := 0.0
		for _, m := range u.Matches {
			distancesSum += math.Abs(float64(len(u.Matches)) - float64(g.connectionsOf(m)))
		}
		distance := distancesSum / float64(len(u.Matches))
		if math.IsNaN(distance) || math.IsInf(distance, 0) {
			distance = float64(n)
		}
		total += distance
	}

	return total / float64(n) / float64(n)
}

// trimToRealisticConnections returns a copy of the candidate where no member
// lists more than maxConnections matches, disconnecting the excess
// symmetrically. A non-positive cap disables trimming.
func trimToRealisticConnections(g *Group, maxConnections int) *Group {
	trimmed := Copy(g, true)
	if maxConnections <= 0 {
		return trimmed
	}
	for i := range trimmed.Users {
		for len(trimmed.Users[i].Matches) > maxConnections {
			excess := trimmed.Users[i].Matches[len(trimmed.Users[i].Matches)-1]
			disconnectUsers(trimmed, trimmed.Users[i].UserID, excess)
		}
	}
	return trimmed
}
