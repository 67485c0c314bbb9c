package matches

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/candidate"
	"github.com/groupdate/groupdate/internal/config"
	"github.com/groupdate/groupdate/internal/storage"
)

// Service is the candidate source: it owns the match graph and answers the
// subgraph queries the finder runs against it. Eligibility filtering happens
// here, the finder only ever sees users that may actually join a group for
// the requested slot.
type Service struct {
	db     *storage.DB
	cfg    *config.Config
	logger *zap.Logger
}

// NewService creates a new match graph service
func NewService(db *storage.DB, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{db: db, cfg: cfg, logger: logger}
}

// ReceivingGroup is an open group still accepting members, together with the
// outside users holding enough matches with its members to be considered.
type ReceivingGroup struct {
	GroupID   string
	SlotIndex int
	Tier      candidate.Tier
	CreatedAt time.Time

	// Group is the current membership with its internal connection
	// structure, in candidate form.
	Group *candidate.Group

	// UsersToAdd are eligible outside users, each carrying the member ids
	// they mutually match with.
	UsersToAdd []candidate.User
}

// CreateUser inserts a user into the graph.
func (s *Service) CreateUser(ctx context.Context, id, name string, active bool) error {
	_, err := s.db.GetConnection().ExecContext(ctx, `
		INSERT INTO users (id, name, active, last_login_at)
		VALUES (?, ?, ?, ?)
	`, id, name, boolToInt(active), time.Now())
	return err
}

// SetUserFlags updates the eligibility flags of a user.
func (s *Service) SetUserFlags(ctx context.Context, id string, active, banned, notifyNewGroups bool) error {
	res, err := s.db.GetConnection().ExecContext(ctx, `
		UPDATE users SET active = ?, banned = ?, notify_new_groups = ? WHERE id = ?
	`, boolToInt(active), boolToInt(banned), boolToInt(notifyNewGroups), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user %s not found", id)
	}
	return nil
}

// CreateMatch records the mutual like between two users. Creating an existing
// match is a no-op.
func (s *Service) CreateMatch(ctx context.Context, userID1, userID2 string) error {
	if userID1 == userID2 {
		return fmt.Errorf("user %s cannot match itself", userID1)
	}
	a, b := orderPair(userID1, userID2)
	_, err := s.db.GetConnection().ExecContext(ctx, `
		INSERT OR IGNORE INTO matches (user_a, user_b) VALUES (?, ?)
	`, a, b)
	return err
}

// RemoveMatch deletes the mutual like between two users.
func (s *Service) RemoveMatch(ctx context.Context, userID1, userID2 string) error {
	a, b := orderPair(userID1, userID2)
	_, err := s.db.GetConnection().ExecContext(ctx, `
		DELETE FROM matches WHERE user_a = ? AND user_b = ?
	`, a, b)
	return err
}

// EligibleUserIDs lists the users that may join a new group for the given
// slot: not banned, active (or flagged to hear about new groups), and below
// the slot's concurrent group amount counting only unreleased groups.
func (s *Service) EligibleUserIDs(ctx context.Context, slotIndex int) ([]string, error) {
	slot, err := s.slot(slotIndex)
	if err != nil {
		return nil, err
	}
	releaseCutoff := time.Now().Add(-slot.ReleaseTime())

	rows, err := s.db.GetConnection().QueryContext(ctx, `
		SELECT u.id
		FROM users u
		WHERE u.banned = 0
		  AND (u.active = 1 OR u.notify_new_groups = 1)
		  AND (
			SELECT COUNT(*)
			FROM group_members gm
			JOIN groups g ON g.id = gm.group_id
			WHERE gm.user_id = u.id
			  AND g.slot_index = ?
			  AND g.created_at > ?
		  ) < ?
		ORDER BY u.id
	`, slotIndex, releaseCutoff, slot.Amount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchGroupCandidates enumerates raw group candidates for the slot and
// quality tier. A non-empty seedUserID restricts the search to candidates
// containing that user, which is how fetches are sharded per user.
func (s *Service) FetchGroupCandidates(ctx context.Context, slotIndex int, tier candidate.Tier, seedUserID string) ([]*candidate.Group, error) {
	slot, err := s.slot(slotIndex)
	if err != nil {
		return nil, err
	}

	adj, err := s.eligibleAdjacency(ctx, slotIndex)
	if err != nil {
		return nil, err
	}
	if seedUserID != "" {
		if _, ok := adj[seedUserID]; !ok {
			return nil, nil
		}
	}

	maxSize := slot.MaxSize(s.cfg.Finder.MaxGroupSize)

	var seeds [][]string
	switch tier {
	case candidate.BadQuality:
		seeds = findCycles(adj, seedUserID, 5, maxSize)
	default:
		seeds = append(findTriangles(adj, seedUserID), findSquares(adj, seedUserID)...)
	}

	groups := make([]*candidate.Group, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for _, members := range seeds {
		g := buildCandidate(adj, members)
		if tier != candidate.BadQuality {
			g = growCandidate(adj, g, s.cfg.Finder.MinConnectionsToBeOnGroup, maxSize)
		}
		key := g.MembersKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		groups = append(groups, g)
	}

	s.logger.Debug("fetched group candidates",
		zap.Int("slot", slotIndex),
		zap.String("tier", string(tier)),
		zap.String("seedUser", seedUserID),
		zap.Int("candidates", len(groups)))

	return groups, nil
}

// FetchGroupsReceivingMoreUsers lists the open groups of the slot and tier
// that were created within the freshness window, are below the maximum size
// and still fit the slot's size band, each with the eligible outside users
// matching enough of its members.
func (s *Service) FetchGroupsReceivingMoreUsers(ctx context.Context, slotIndex int, tier candidate.Tier) ([]ReceivingGroup, error) {
	slot, err := s.slot(slotIndex)
	if err != nil {
		return nil, err
	}
	maxSize := slot.MaxSize(s.cfg.Finder.MaxGroupSize)
	freshCutoff := time.Now().Add(-s.cfg.Finder.ReceiveNewUsersFor)

	rows, err := s.db.GetConnection().QueryContext(ctx, `
		SELECT g.id, g.created_at
		FROM groups g
		WHERE g.slot_index = ?
		  AND g.quality_tier = ?
		  AND g.created_at > ?
		  AND (SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id) < ?
		ORDER BY g.created_at
	`, slotIndex, string(tier), freshCutoff, maxSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var open []ReceivingGroup
	for rows.Next() {
		rg := ReceivingGroup{SlotIndex: slotIndex, Tier: tier}
		if err := rows.Scan(&rg.GroupID, &rg.CreatedAt); err != nil {
			return nil, err
		}
		open = append(open, rg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Members of an unreleased group are not eligible themselves, so the
	// outside users are matched against the full graph and filtered by the
	// eligible id set.
	eligibleIDs, err := s.EligibleUserIDs(ctx, slotIndex)
	if err != nil {
		return nil, err
	}
	adj, err := s.matchAdjacency(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]ReceivingGroup, 0, len(open))
	for i := range open {
		rg := open[i]
		rg.Group, err = s.groupAsCandidate(ctx, rg.GroupID)
		if err != nil {
			return nil, err
		}
		if rg.Group.Size() >= maxSize || rg.Group.Size() < slot.MinSize(s.cfg.Finder.MinGroupSize) {
			continue
		}
		rg.UsersToAdd = s.usersMatchingGroup(rg.Group, eligibleIDs, adj)
		if len(rg.UsersToAdd) == 0 {
			continue
		}
		result = append(result, rg)
	}
	return result, nil
}

// groupAsCandidate rebuilds a persisted group as a candidate: its members,
// connected by the match pairs that were converted when each member joined.
func (s *Service) groupAsCandidate(ctx context.Context, groupID string) (*candidate.Group, error) {
	conn := s.db.GetConnection()

	rows, err := conn.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = ? ORDER BY added_at, user_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := &candidate.Group{ID: groupID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		g.Users = append(g.Users, candidate.User{UserID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := conn.QueryContext(ctx, `
		SELECT user_a, user_b FROM grouped WHERE group_id = ?
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var a, b string
		if err := edgeRows.Scan(&a, &b); err != nil {
			return nil, err
		}
		ua, ub := g.UserByID(a), g.UserByID(b)
		if ua == nil || ub == nil {
			continue
		}
		ua.Matches = append(ua.Matches, b)
		ub.Matches = append(ub.Matches, a)
	}
	return g, edgeRows.Err()
}

// usersMatchingGroup finds eligible users outside the group holding at least
// the configured amount of matches with its members.
func (s *Service) usersMatchingGroup(g *candidate.Group, eligibleIDs []string, adj map[string][]string) []candidate.User {
	members := make(map[string]bool, g.Size())
	for _, u := range g.Users {
		members[u.UserID] = true
	}

	var result []candidate.User
	for _, id := range eligibleIDs {
		if members[id] {
			continue
		}
		var inside []string
		for _, neighbor := range adj[id] {
			if members[neighbor] {
				inside = append(inside, neighbor)
			}
		}
		if len(inside) >= s.cfg.Finder.MinConnectionsToBeOnGroup {
			result = append(result, candidate.User{UserID: id, Matches: inside})
		}
	}
	return result
}

// matchAdjacency loads the full match graph. Pairs whose users have already
// been grouped together are gone from the matches table, so they can never
// be proposed again.
func (s *Service) matchAdjacency(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.GetConnection().QueryContext(ctx, `SELECT user_a, user_b FROM matches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj, nil
}

// eligibleAdjacency restricts the match graph to users eligible for the
// slot, on both ends of every edge.
func (s *Service) eligibleAdjacency(ctx context.Context, slotIndex int) (map[string][]string, error) {
	ids, err := s.EligibleUserIDs(ctx, slotIndex)
	if err != nil {
		return nil, err
	}
	full, err := s.matchAdjacency(ctx)
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]string, len(ids))
	for _, id := range ids {
		adj[id] = nil
	}
	for id := range adj {
		for _, neighbor := range full[id] {
			if _, ok := adj[neighbor]; ok {
				adj[id] = append(adj[id], neighbor)
			}
		}
	}
	return adj, nil
}

func (s *Service) slot(slotIndex int) (config.Slot, error) {
	if slotIndex < 0 || slotIndex >= len(s.cfg.Finder.Slots) {
		return config.Slot{}, fmt.Errorf("slot index %d out of range", slotIndex)
	}
	return s.cfg.Finder.Slots[slotIndex], nil
}

// Counts returns basic graph statistics.
func (s *Service) Counts(ctx context.Context) (users, matchCount, groupCount int, err error) {
	conn := s.db.GetConnection()
	if err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		return
	}
	if err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches`).Scan(&matchCount); err != nil {
		return
	}
	err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups`).Scan(&groupCount)
	return
}

func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
