package finder

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/candidate"
	"github.com/groupdate/groupdate/internal/config"
	"github.com/groupdate/groupdate/internal/groups"
	"github.com/groupdate/groupdate/internal/matches"
)

func fetchKey(slotIndex int, tier candidate.Tier, seed string) string {
	return fmt.Sprintf("%d/%s/%s", slotIndex, tier, seed)
}

type fakeSource struct {
	eligible   []string
	candidates map[string][]*candidate.Group
	receiving  map[string][]matches.ReceivingGroup
	errs       map[string]error
}

func (s *fakeSource) EligibleUserIDs(ctx context.Context, slotIndex int) ([]string, error) {
	return s.eligible, nil
}

func (s *fakeSource) FetchGroupCandidates(ctx context.Context, slotIndex int, tier candidate.Tier, seedUserID string) ([]*candidate.Group, error) {
	k := fetchKey(slotIndex, tier, seedUserID)
	if err := s.errs[k]; err != nil {
		return nil, err
	}
	return s.candidates[k], nil
}

func (s *fakeSource) FetchGroupsReceivingMoreUsers(ctx context.Context, slotIndex int, tier candidate.Tier) ([]matches.ReceivingGroup, error) {
	return s.receiving[fetchKey(slotIndex, tier, "")], nil
}

type fakeStore struct {
	created        []*groups.Group
	extended       map[string][]string
	createAttempts int
	createErr      error
	addErr         error
}

func (s *fakeStore) CreateGroup(ctx context.Context, userIDs []string, slotIndex int, tier candidate.Tier) (*groups.Group, error) {
	s.createAttempts++
	if s.createErr != nil {
		return nil, s.createErr
	}
	g := &groups.Group{
		ID:        fmt.Sprintf("group-%d", len(s.created)+1),
		SlotIndex: slotIndex,
		Tier:      tier,
		UserIDs:   append([]string(nil), userIDs...),
	}
	s.created = append(s.created, g)
	return g, nil
}

func (s *fakeStore) AddUsersToGroup(ctx context.Context, groupID string, userIDs []string, slotIndex int) error {
	if s.addErr != nil {
		return s.addErr
	}
	if s.extended == nil {
		s.extended = make(map[string][]string)
	}
	s.extended[groupID] = append(s.extended[groupID], userIDs...)
	return nil
}

func clique(ids ...string) *candidate.Group {
	g := candidate.NewGroup()
	for _, id := range ids {
		u := candidate.User{UserID: id}
		for _, other := range ids {
			if other != id {
				u.Matches = append(u.Matches, other)
			}
		}
		g.Users = append(g.Users, u)
	}
	return g
}

func path(ids ...string) *candidate.Group {
	g := candidate.NewGroup()
	for _, id := range ids {
		g.Users = append(g.Users, candidate.User{UserID: id})
	}
	for i := 0; i+1 < len(ids); i++ {
		g = candidate.Connect(g, ids[i], ids[i+1])
	}
	return g
}

func testConfig() *config.Config {
	return &config.Config{
		Finder: config.FinderConfig{
			MinGroupSize:                    3,
			MaxGroupSize:                    18,
			MaxConnectionsPossibleInReality: 6,
			MaxQuality:                      0.25,
			MinConnectionsToBeOnGroup:       2,
			FetchConcurrency:                1,
			Slots: []config.Slot{
				{Amount: 1, ReleaseTimeSeconds: 60},
			},
		},
	}
}

func newTestFinder(source *fakeSource, store *fakeStore, cfg *config.Config) *Finder {
	return New(source, store, cfg, zap.NewNop())
}

func TestCommitsCandidate(t *testing.T) {
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {clique("a", "b", "c")},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, created[0].UserIDs)
	assert.Equal(t, 0, created[0].SlotIndex)
	assert.Equal(t, candidate.GoodQuality, created[0].Tier)
}

func TestOverlappingLoserIsDropped(t *testing.T) {
	// Both candidates score identically, so the first analyzed one wins.
	// The loser shrinks below the minimum once the shared user is gone.
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {
			clique("a", "b", "c"),
			clique("c", "x", "y"),
		},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, created[0].UserIDs)

	// No committed group reuses the shared user.
	seen := make(map[string]int)
	for _, g := range store.created {
		for _, id := range g.UserIDs {
			seen[id]++
		}
	}
	assert.Equal(t, 1, seen["c"])
	assert.Zero(t, seen["x"])
}

func TestOverlappingLoserIsRepairedAndRecommitted(t *testing.T) {
	// The five user clique ranks first and takes e. The four user clique
	// survives the loss as a triangle and commits on a later iteration.
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {
			clique("a", "b", "c", "d", "e"),
			clique("e", "f", "g", "h"),
		},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, created[0].UserIDs)
	assert.ElementsMatch(t, []string{"f", "g", "h"}, created[1].UserIDs)
}

func TestChainedOverlapsAreRepairedWithinBudget(t *testing.T) {
	// Three five user cliques chained by shared members. Committing the
	// first forces the second through repair and re-insertion; committing
	// the third forces the second through repair a second time. Every
	// re-insertion buys exactly one extra iteration, so the loop settles
	// after five pops and three commits.
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {
			clique("a", "b", "c", "d", "e"),
			clique("e", "f", "g", "h", "i"),
			clique("i", "j", "k", "l", "m"),
		},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, 3, store.createAttempts)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, created[0].UserIDs)
	assert.ElementsMatch(t, []string{"i", "j", "k", "l", "m"}, created[1].UserIDs)
	assert.ElementsMatch(t, []string{"f", "g", "h"}, created[2].UserIDs)

	// Nobody ends up in two groups.
	seen := make(map[string]int)
	for _, g := range store.created {
		for _, id := range g.UserIDs {
			seen[id]++
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "user %s committed more than once", id)
	}
}

func TestDuplicateMemberSetsCollapse(t *testing.T) {
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {
			clique("a", "b", "c"),
			clique("c", "b", "a"),
		},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	assert.Len(t, created, 1)
	assert.Equal(t, 1, store.createAttempts)
}

func TestBadCandidateIsRepairedBeforeCommit(t *testing.T) {
	// A triangle with a pendant leaf fails the quality bar as is, the
	// repair shaves the leaf off.
	g := clique("a", "b", "c")
	g = candidate.AddUser(g, candidate.User{UserID: "leaf", Matches: []string{"a"}})

	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {g},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, created[0].UserIDs)
}

func TestUnfixableCandidateIsDropped(t *testing.T) {
	// Two hubs with private leaves cannot be repaired: removing any leaf
	// cascades through the rest.
	g := clique("h1", "h2")
	for i, h := range []string{"h1", "h1", "h1", "h2", "h2", "h2"} {
		g = candidate.AddUser(g, candidate.User{UserID: fmt.Sprintf("l%d", i), Matches: []string{h}})
	}

	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {g},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Zero(t, store.createAttempts)
}

func TestOversizedCandidateIsShrunkToSlotMaximum(t *testing.T) {
	cfg := testConfig()
	cfg.Finder.Slots = []config.Slot{{MaximumSize: 4, Amount: 1, ReleaseTimeSeconds: 60}}

	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {clique("a", "b", "c", "d", "e")},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Len(t, created[0].UserIDs, 4)
}

func TestCommitFailureStopsTheRun(t *testing.T) {
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {
			clique("a", "b", "c"),
			clique("x", "y", "z"),
		},
	}}
	store := &fakeStore{createErr: errors.New("disk full")}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.Error(t, err)
	assert.Empty(t, created)
	assert.Equal(t, 1, store.createAttempts)
}

func TestFetchFailureSkipsSlotOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Finder.Slots = []config.Slot{
		{Amount: 1, ReleaseTimeSeconds: 60},
		{Amount: 1, ReleaseTimeSeconds: 60},
	}

	source := &fakeSource{
		candidates: map[string][]*candidate.Group{
			fetchKey(0, candidate.GoodQuality, ""): {clique("a", "b", "c")},
		},
		errs: map[string]error{
			fetchKey(1, candidate.GoodQuality, ""): errors.New("connection reset"),
		},
	}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.Error(t, err)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, created[0].UserIDs)
}

func TestBiggerSlotsFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Finder.BiggerSlotsFirst = true
	cfg.Finder.Slots = []config.Slot{
		{MaximumSize: 5, Amount: 1, ReleaseTimeSeconds: 60},
		{MinimumSize: 6, Amount: 1, ReleaseTimeSeconds: 60},
	}

	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {clique("a", "b", "c")},
		fetchKey(1, candidate.GoodQuality, ""): {clique("u", "v", "w", "x", "y", "z")},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, 1, created[0].SlotIndex)
	assert.Equal(t, 0, created[1].SlotIndex)
}

func TestUndersizedCandidateNeverEntersLargerSlot(t *testing.T) {
	// With a large-group slot searched first, a triangle must wait for the
	// small slot instead of burning the members' large slot allowance.
	cfg := testConfig()
	cfg.Finder.BiggerSlotsFirst = true
	cfg.Finder.Slots = []config.Slot{
		{MaximumSize: 5, Amount: 1, ReleaseTimeSeconds: 60},
		{MinimumSize: 6, Amount: 1, ReleaseTimeSeconds: 60},
	}

	triangle := clique("a", "b", "c")
	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.GoodQuality, ""): {triangle},
		fetchKey(1, candidate.GoodQuality, ""): {triangle},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 0, created[0].SlotIndex)
	assert.Equal(t, 1, store.createAttempts)
}

func TestBadQualityTierRunsWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Finder.SearchBadQualityGroups = true

	source := &fakeSource{candidates: map[string][]*candidate.Group{
		fetchKey(0, candidate.BadQuality, ""): {clique("a", "b", "c")},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, candidate.BadQuality, created[0].Tier)
}

func TestShardedFetchMergesResults(t *testing.T) {
	cfg := testConfig()
	cfg.Finder.FetchConcurrency = 2

	// Both shards surface the same triangle, deduplication keeps one.
	source := &fakeSource{
		eligible: []string{"a", "b"},
		candidates: map[string][]*candidate.Group{
			fetchKey(0, candidate.GoodQuality, "a"): {clique("a", "b", "c")},
			fetchKey(0, candidate.GoodQuality, "b"): {clique("b", "c", "a")},
		},
	}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, cfg).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 1, store.createAttempts)
}

func TestExtensionAddsTheBestImprovingUser(t *testing.T) {
	// The open group is a four user chain. The cycle closer turns it into
	// a perfectly even ring, the other joiner would overshoot the quality
	// bar.
	open := path("p", "q", "r", "s")
	source := &fakeSource{receiving: map[string][]matches.ReceivingGroup{
		fetchKey(0, candidate.GoodQuality, ""): {{
			GroupID:   "grp-1",
			SlotIndex: 0,
			Tier:      candidate.GoodQuality,
			Group:     open,
			UsersToAdd: []candidate.User{
				{UserID: "joiner", Matches: []string{"q", "r"}},
				{UserID: "closer", Matches: []string{"p", "s"}},
			},
		}},
	}}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, []string{"closer"}, store.extended["grp-1"])
}

func TestExtensionRejectsNonImprovingUser(t *testing.T) {
	// Joining a perfect clique with two connections passes the quality bar
	// but makes the group strictly worse, so nobody is added.
	open := clique("p", "q", "r", "s")
	source := &fakeSource{receiving: map[string][]matches.ReceivingGroup{
		fetchKey(0, candidate.GoodQuality, ""): {{
			GroupID:    "grp-1",
			SlotIndex:  0,
			Tier:       candidate.GoodQuality,
			Group:      open,
			UsersToAdd: []candidate.User{{UserID: "joiner", Matches: []string{"p", "q"}}},
		}},
	}}
	store := &fakeStore{}

	_, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.extended)
}

func TestExtensionSkipsUsersCommittedThisRun(t *testing.T) {
	// "a" joins a new group during the search pass, so the extension pass
	// must not hand them to a second group.
	open := path("p", "q", "r", "s")
	source := &fakeSource{
		candidates: map[string][]*candidate.Group{
			fetchKey(0, candidate.GoodQuality, ""): {clique("a", "b", "c")},
		},
		receiving: map[string][]matches.ReceivingGroup{
			fetchKey(0, candidate.GoodQuality, ""): {{
				GroupID:    "grp-1",
				SlotIndex:  0,
				Tier:       candidate.GoodQuality,
				Group:      open,
				UsersToAdd: []candidate.User{{UserID: "a", Matches: []string{"p", "s"}}},
			}},
		},
	}
	store := &fakeStore{}

	created, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Empty(t, store.extended)
}

func TestExtensionCommitFailureStopsTheRun(t *testing.T) {
	open := path("p", "q", "r", "s")
	source := &fakeSource{receiving: map[string][]matches.ReceivingGroup{
		fetchKey(0, candidate.GoodQuality, ""): {{
			GroupID:    "grp-1",
			SlotIndex:  0,
			Tier:       candidate.GoodQuality,
			Group:      open,
			UsersToAdd: []candidate.User{{UserID: "closer", Matches: []string{"p", "s"}}},
		}},
	}}
	store := &fakeStore{addErr: errors.New("constraint violated")}

	_, err := newTestFinder(source, store, testConfig()).SearchAndCreateNewGroups(context.Background())
	require.Error(t, err)
}

func TestSettingsFromConfigSelectsOrderingMode(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, candidate.QualityFirst, SettingsFromConfig(cfg).Mode)

	cfg.Finder.BiggerGroupsFirstOrdering = true
	assert.Equal(t, candidate.SizeFirst, SettingsFromConfig(cfg).Mode)
}
