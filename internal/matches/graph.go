package matches

import (
	"github.com/groupdate/groupdate/internal/candidate"
)

// Subgraph enumeration over the in-memory adjacency list. Candidates start
// from small seed shapes (triangles and squares for good quality, circular
// chains for bad quality) and good quality seeds are then grown with outside
// users connected to enough members.

type edgeSet map[[2]string]bool

func newEdgeSet(adj map[string][]string) edgeSet {
	set := make(edgeSet)
	for u, neighbors := range adj {
		for _, v := range neighbors {
			a, b := orderPair(u, v)
			set[[2]string{a, b}] = true
		}
	}
	return set
}

func (e edgeSet) has(u, v string) bool {
	a, b := orderPair(u, v)
	return e[[2]string{a, b}]
}

// findTriangles enumerates the triangles of the graph, each once, as member
// id lists. A non-empty seed keeps only triangles containing that user.
func findTriangles(adj map[string][]string, seed string) [][]string {
	edges := newEdgeSet(adj)
	var out [][]string
	for _, u := range sortedKeys(adj) {
		for _, v := range adj[u] {
			if v <= u {
				continue
			}
			for _, w := range adj[u] {
				if w <= v || !edges.has(v, w) {
					continue
				}
				if seed != "" && seed != u && seed != v && seed != w {
					continue
				}
				out = append(out, []string{u, v, w})
			}
		}
	}
	return out
}

// findSquares enumerates the chordless 4-cycles of the graph, each once.
// Squares with a chord are already covered by the triangles they contain.
func findSquares(adj map[string][]string, seed string) [][]string {
	edges := newEdgeSet(adj)
	var out [][]string
	for _, u := range sortedKeys(adj) {
		neighbors := adj[u]
		for i, v := range neighbors {
			if v <= u {
				continue
			}
			for _, x := range neighbors[i+1:] {
				if x <= u || edges.has(v, x) {
					continue
				}
				// w closes the cycle u-v-w-x-u.
				for _, w := range adj[v] {
					if w <= u || w == x || !edges.has(w, x) || edges.has(w, u) {
						continue
					}
					if seed != "" && seed != u && seed != v && seed != w && seed != x {
						continue
					}
					out = append(out, []string{u, v, w, x})
				}
			}
		}
	}
	return out
}

// findCycles enumerates the chordless cycles with a length between minLen and
// maxLen, each once. Every cycle is discovered from its smallest member, the
// smaller of the two neighbors of that member fixes the direction.
func findCycles(adj map[string][]string, seed string, minLen, maxLen int) [][]string {
	edges := newEdgeSet(adj)
	var out [][]string

	for _, s := range sortedKeys(adj) {
		inPath := map[string]bool{s: true}
		path := []string{s}

		var dfs func(current string)
		dfs = func(current string) {
			for _, next := range adj[current] {
				if next == s {
					if len(path) >= minLen && path[1] < path[len(path)-1] && isChordless(path, edges) {
						if seed == "" || inPath[seed] {
							out = append(out, append([]string(nil), path...))
						}
					}
					continue
				}
				if next < s || inPath[next] || len(path) >= maxLen {
					continue
				}
				path = append(path, next)
				inPath[next] = true
				dfs(next)
				inPath[next] = false
				path = path[:len(path)-1]
			}
		}
		dfs(s)
	}
	return out
}

// isChordless reports whether no edge connects non-consecutive members of
// the cycle.
func isChordless(cycle []string, edges edgeSet) bool {
	n := len(cycle)
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if edges.has(cycle[i], cycle[j]) {
				return false
			}
		}
	}
	return true
}

// buildCandidate turns a member id list into a candidate with the edges the
// graph holds between those members.
func buildCandidate(adj map[string][]string, members []string) *candidate.Group {
	inGroup := make(map[string]bool, len(members))
	for _, id := range members {
		inGroup[id] = true
	}

	g := candidate.NewGroup()
	for _, id := range members {
		u := candidate.User{UserID: id}
		for _, neighbor := range adj[id] {
			if inGroup[neighbor] {
				u.Matches = append(u.Matches, neighbor)
			}
		}
		g.Users = append(g.Users, u)
	}
	return g
}

// growCandidate repeatedly adds the outside user with the most connections
// into the candidate, as long as someone holds at least minConnections and
// the candidate stays below maxSize.
func growCandidate(adj map[string][]string, g *candidate.Group, minConnections, maxSize int) *candidate.Group {
	for g.Size() < maxSize {
		bestID := ""
		var bestInside []string
		for _, id := range sortedKeys(adj) {
			if g.HasUser(id) {
				continue
			}
			var inside []string
			for _, neighbor := range adj[id] {
				if g.HasUser(neighbor) {
					inside = append(inside, neighbor)
				}
			}
			if len(inside) < minConnections {
				continue
			}
			if len(inside) > len(bestInside) {
				bestID = id
				bestInside = inside
			}
		}
		if bestID == "" {
			break
		}
		g = candidate.AddUser(g, candidate.User{UserID: bestID, Matches: bestInside})
	}
	return g
}
