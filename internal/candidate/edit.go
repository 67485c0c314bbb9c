package candidate

import (
	"github.com/google/uuid"

	"github.com/groupdate/groupdate/internal/config"
)

// Editing operations return modified copies and never touch their argument.
// Operations that can make a candidate unusable return nil instead of a
// too-small or unfixable group.

// Copy deep-clones the candidate. With keepSameID false the clone gets a
// fresh id.
func Copy(g *Group, keepSameID bool) *Group {
	id := g.ID
	if !keepSameID {
		id = uuid.NewString()
	}
	users := make([]User, len(g.Users))
	for i, u := range g.Users {
		matches := make([]string, len(u.Matches))
		copy(matches, u.Matches)
		users[i] = User{UserID: u.UserID, Matches: matches}
	}
	return &Group{ID: id, Users: users}
}

// AddUser appends the user to a copy of the candidate. The reverse edge is
// added to every listed match, so symmetry holds even when the caller passed
// a directed list. Matches pointing outside the group are dropped.
func AddUser(g *Group, user User) *Group {
	out := Copy(g, true)

	added := User{UserID: user.UserID}
	for _, m := range user.Matches {
		other := out.UserByID(m)
		if other == nil || m == user.UserID || containsID(added.Matches, m) {
			continue
		}
		added.Matches = append(added.Matches, m)
		if !containsID(other.Matches, user.UserID) {
			other.Matches = append(other.Matches, user.UserID)
		}
	}
	out.Users = append(out.Users, added)
	return out
}

// Connect adds the symmetric edge between two members of a copy of the
// candidate. Connecting a user with itself or an already connected pair is a
// no-op.
func Connect(g *Group, userID1, userID2 string) *Group {
	out := Copy(g, true)
	connectUsers(out, userID1, userID2)
	return out
}

// Disconnect removes the symmetric edge between two members of a copy of the
// candidate.
func Disconnect(g *Group, userID1, userID2 string) *Group {
	out := Copy(g, true)
	disconnectUsers(out, userID1, userID2)
	return out
}

func connectUsers(g *Group, userID1, userID2 string) {
	if userID1 == userID2 {
		return
	}
	u1 := g.UserByID(userID1)
	u2 := g.UserByID(userID2)
	if u1 == nil || u2 == nil || containsID(u1.Matches, userID2) {
		return
	}
	u1.Matches = append(u1.Matches, userID2)
	u2.Matches = append(u2.Matches, userID1)
}

func disconnectUsers(g *Group, userID1, userID2 string) {
	if u1 := g.UserByID(userID1); u1 != nil {
		u1.Matches = removeID(u1.Matches, userID2)
	}
	if u2 := g.UserByID(userID2); u2 != nil {
		u2.Matches = removeID(u2.Matches, userID1)
	}
}

// RemoveUsers removes the given users from a copy of the candidate,
// disconnecting all their edges from the remaining members. Users that end up
// under-connected because of the removal are kept, cascading is a separate
// operation.
func RemoveUsers(g *Group, userIDs []string) *Group {
	out := Copy(g, true)
	removeUsersInPlace(out, userIDs)
	return out
}

func removeUsersInPlace(g *Group, userIDs []string) {
	for _, id := range userIDs {
		u := g.UserByID(id)
		if u == nil {
			continue
		}
		for _, m := range append([]string(nil), u.Matches...) {
			disconnectUsers(g, id, m)
		}
		kept := g.Users[:0]
		for _, existing := range g.Users {
			if existing.UserID != id {
				kept = append(kept, existing)
			}
		}
		g.Users = kept
	}
}

// RemoveUsersRecursivelyByConnectionsAmount removes every user with fewer
// than minConnections matches, repeating because each removal can push other
// users under the threshold. The amount of passes is bounded by the initial
// group size. The result is a fixed point: applying the operation to its own
// output changes nothing.
func RemoveUsersRecursivelyByConnectionsAmount(g *Group, minConnections int) *Group {
	out := Copy(g, true)
	for pass := 0; pass < len(g.Users); pass++ {
		var below []string
		for _, u := range out.Users {
			if len(u.Matches) < minConnections {
				below = append(below, u.UserID)
			}
		}
		if len(below) == 0 || len(out.Users) == 0 {
			break
		}
		removeUsersInPlace(out, below)
	}
	return out
}

// RemoveTheUserWithLessConnections removes the single worst-connected user
// (first in list order on ties) and then cascade-removes everyone left under
// minConnectionsAllowed.
func RemoveTheUserWithLessConnections(g *Group, minConnectionsAllowed int) *Group {
	if len(g.Users) == 0 {
		return Copy(g, true)
	}
	worst := g.Users[0].UserID
	worstCount := len(g.Users[0].Matches)
	for _, u := range g.Users[1:] {
		if len(u.Matches) < worstCount {
			worst = u.UserID
			worstCount = len(u.Matches)
		}
	}
	out := RemoveUsers(g, []string{worst})
	return RemoveUsersRecursivelyByConnectionsAmount(out, minConnectionsAllowed)
}

// RemoveUsersWithLessConnectionsUntil repeatedly removes the worst-connected
// user (with cascading) and re-analyzes, until the predicate accepts the
// candidate. Returns nil when the group falls below the slot minimum before
// the predicate is satisfied.
func RemoveUsersWithLessConnectionsUntil(a *AnalyzedGroup, slot config.Slot, settings Settings, ok func(*AnalyzedGroup) bool) *AnalyzedGroup {
	minSize := slot.MinSize(settings.MinGroupSize)

	current := a
	for i := 0; i <= len(a.Group.Users); i++ {
		if ok(current) {
			return current
		}
		if current.Group.Size() <= minSize {
			return nil
		}
		reduced := RemoveTheUserWithLessConnections(current.Group, settings.MinConnectionsToBeOnGroup)
		if reduced.Size() < minSize {
			return nil
		}
		current = Analyze(reduced, settings)
	}
	return nil
}

// TryToFixBadQualityGroup shaves the worst-connected users off until the
// candidate passes the minimum quality bar. Returns the argument unchanged
// when it already passes, nil when it cannot be fixed.
func TryToFixBadQualityGroup(a *AnalyzedGroup, slot config.Slot, settings Settings) *AnalyzedGroup {
	return RemoveUsersWithLessConnectionsUntil(a, slot, settings, func(c *AnalyzedGroup) bool {
		return HasMinimumQuality(c, settings)
	})
}

// LimitGroupToMaximumSize shrinks oversized candidates down to the effective
// maximum by removing the worst-connected users.
func LimitGroupToMaximumSize(a *AnalyzedGroup, slot config.Slot, settings Settings) *AnalyzedGroup {
	maxSize := slot.MaxSize(settings.MaxGroupSize)
	return RemoveUsersWithLessConnectionsUntil(a, slot, settings, func(c *AnalyzedGroup) bool {
		return c.Group.Size() <= maxSize
	})
}

// RemoveUnavailableUsersFromGroup removes users already consumed by another
// committed group, cascades the removal and re-analyzes the survivor. Returns
// nil when the removal would leave, or leaves, the group below the slot
// minimum.
func RemoveUnavailableUsersFromGroup(a *AnalyzedGroup, unavailable []string, slot config.Slot, settings Settings) *AnalyzedGroup {
	minSize := slot.MinSize(settings.MinGroupSize)

	if a.Group.Size()-len(unavailable) < minSize {
		return nil
	}

	out := RemoveUsers(a.Group, unavailable)
	out = RemoveUsersRecursivelyByConnectionsAmount(out, settings.MinConnectionsToBeOnGroup)
	if out.Size() < minSize {
		return nil
	}
	return Analyze(out, settings)
}
