package candidate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// User is one member of a group candidate together with the ids of the other
// members they mutually matched with.
type User struct {
	UserID  string
	Matches []string
}

// Group is an unconfirmed proposal of users who might form a group, derived
// from mutual matches. The match lists inside a Group are always symmetric:
// if A lists B then B lists A. Groups are never mutated in place, the editor
// operations return modified copies.
type Group struct {
	ID    string
	Users []User
}

// NewGroup creates an empty group candidate with a fresh id.
func NewGroup() *Group {
	return &Group{ID: uuid.NewString()}
}

// UserByID returns the member with the given id, or nil.
func (g *Group) UserByID(userID string) *User {
	for i := range g.Users {
		if g.Users[i].UserID == userID {
			return &g.Users[i]
		}
	}
	return nil
}

// HasUser reports whether the given id is a member of the candidate.
func (g *Group) HasUser(userID string) bool {
	return g.UserByID(userID) != nil
}

// UserIDs returns the member ids in list order.
func (g *Group) UserIDs() []string {
	ids := make([]string, len(g.Users))
	for i := range g.Users {
		ids[i] = g.Users[i].UserID
	}
	return ids
}

// Size returns the amount of members.
func (g *Group) Size() int {
	return len(g.Users)
}

// MembersKey returns a canonical key for the member set, independent of list
// order. Two candidates with the same members produce the same key, which is
// what the finder uses to deduplicate raw candidates.
func (g *Group) MembersKey() string {
	ids := g.UserIDs()
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// connectionsOf returns the match count of the member with the given id.
func (g *Group) connectionsOf(userID string) int {
	if u := g.UserByID(userID); u != nil {
		return len(u.Matches)
	}
	return 0
}

// Validate checks the structural invariants of the candidate and returns one
// error per violation found. An asymmetric match, a self match, a duplicated
// user or match entry, or a match count exceeding the group size all indicate
// corrupted input data. Validate is a diagnostic for logging and tests, the
// normal pipeline never rejects on it.
func (g *Group) Validate() []error {
	var issues []error

	seenUsers := make(map[string]bool, len(g.Users))
	for _, u := range g.Users {
		if seenUsers[u.UserID] {
			issues = append(issues, fmt.Errorf("user %s appears more than once", u.UserID))
		}
		seenUsers[u.UserID] = true

		if len(u.Matches) > len(g.Users)-1 {
			issues = append(issues, fmt.Errorf("user %s has %d matches in a group of %d", u.UserID, len(u.Matches), len(g.Users)))
		}

		seenMatches := make(map[string]bool, len(u.Matches))
		for _, m := range u.Matches {
			if m == u.UserID {
				issues = append(issues, fmt.Errorf("user %s matches itself", u.UserID))
			}
			if seenMatches[m] {
				issues = append(issues, fmt.Errorf("user %s lists match %s more than once", u.UserID, m))
			}
			seenMatches[m] = true

			other := g.UserByID(m)
			if other == nil {
				issues = append(issues, fmt.Errorf("user %s matches %s who is not in the group", u.UserID, m))
				continue
			}
			if !containsID(other.Matches, u.UserID) {
				issues = append(issues, fmt.Errorf("match %s -> %s is not symmetric", u.UserID, m))
			}
		}
	}

	return issues
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
