package finder

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/groupdate/groupdate/internal/candidate"
	"github.com/groupdate/groupdate/internal/config"
	"github.com/groupdate/groupdate/internal/groups"
	"github.com/groupdate/groupdate/internal/matches"
)

// CandidateSource produces raw group candidates and open groups, restricted
// to users eligible for the requested slot and quality tier.
type CandidateSource interface {
	EligibleUserIDs(ctx context.Context, slotIndex int) ([]string, error)
	FetchGroupCandidates(ctx context.Context, slotIndex int, tier candidate.Tier, seedUserID string) ([]*candidate.Group, error)
	FetchGroupsReceivingMoreUsers(ctx context.Context, slotIndex int, tier candidate.Tier) ([]matches.ReceivingGroup, error)
}

// GroupStore persists committed groups.
type GroupStore interface {
	CreateGroup(ctx context.Context, userIDs []string, slotIndex int, tier candidate.Tier) (*groups.Group, error)
	AddUsersToGroup(ctx context.Context, groupID string, userIDs []string, slotIndex int) error
}

// Finder runs the group search: it pulls raw candidates from the source,
// scores and repairs them, resolves conflicts between candidates sharing
// users and commits the best non-overlapping ones. A single Finder run must
// not execute concurrently with another, the caller serializes invocations.
type Finder struct {
	source   CandidateSource
	store    GroupStore
	cfg      *config.Config
	settings candidate.Settings
	logger   *zap.Logger
}

// New creates a finder over the given source and store.
func New(source CandidateSource, store GroupStore, cfg *config.Config, logger *zap.Logger) *Finder {
	return &Finder{
		source:   source,
		store:    store,
		cfg:      cfg,
		settings: SettingsFromConfig(cfg),
		logger:   logger,
	}
}

// SettingsFromConfig maps the finder configuration onto analysis settings.
func SettingsFromConfig(cfg *config.Config) candidate.Settings {
	mode := candidate.QualityFirst
	if cfg.Finder.BiggerGroupsFirstOrdering {
		mode = candidate.SizeFirst
	}
	return candidate.Settings{
		MinGroupSize:                    cfg.Finder.MinGroupSize,
		MaxGroupSize:                    cfg.Finder.MaxGroupSize,
		MinConnectionsToBeOnGroup:       cfg.Finder.MinConnectionsToBeOnGroup,
		MaxConnectionsPossibleInReality: cfg.Finder.MaxConnectionsPossibleInReality,
		MaxQuality:                      cfg.Finder.MaxQuality,
		Mode:                            mode,
	}
}

// commitError marks persistence failures during a commit. They stop the
// current pass, unlike fetch failures which only skip the failing slot.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// SearchAndCreateNewGroups runs a full search: for every quality tier and
// slot it commits the best non-overlapping candidates, then tries to extend
// groups that still accept members. It returns the groups created during the
// run. Users committed during the run are unavailable for the rest of it.
func (f *Finder) SearchAndCreateNewGroups(ctx context.Context) ([]*groups.Group, error) {
	var created []*groups.Group
	var errs error

	// Per-slot set of users already consumed during this run.
	notAvailable := make(map[int]*linkedhashset.Set, len(f.cfg.Finder.Slots))
	for i := range f.cfg.Finder.Slots {
		notAvailable[i] = linkedhashset.New()
	}

	for _, tier := range f.tiers() {
		for _, slotIndex := range f.slotOrder() {
			slotCreated, err := f.searchSlot(ctx, slotIndex, tier, notAvailable[slotIndex])
			created = append(created, slotCreated...)
			if err != nil {
				var commit *commitError
				if errors.As(err, &commit) {
					return created, multierr.Append(errs, err)
				}
				f.logger.Warn("slot search failed",
					zap.Int("slot", slotIndex),
					zap.String("tier", string(tier)),
					zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}

	for _, tier := range f.tiers() {
		for _, slotIndex := range f.slotOrder() {
			err := f.extendGroups(ctx, slotIndex, tier, notAvailable[slotIndex])
			if err != nil {
				var commit *commitError
				if errors.As(err, &commit) {
					return created, multierr.Append(errs, err)
				}
				f.logger.Warn("group extension failed",
					zap.Int("slot", slotIndex),
					zap.String("tier", string(tier)),
					zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}

	f.logger.Info("search finished", zap.Int("groupsCreated", len(created)))
	return created, errs
}

func (f *Finder) tiers() []candidate.Tier {
	tiers := []candidate.Tier{candidate.GoodQuality}
	if f.cfg.Finder.SearchBadQualityGroups {
		tiers = append(tiers, candidate.BadQuality)
	}
	return tiers
}

// slotOrder returns the slot indexes ordered by effective minimum size,
// biggest tiers first unless configured otherwise.
func (f *Finder) slotOrder() []int {
	order := make([]int, len(f.cfg.Finder.Slots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a := f.cfg.Finder.Slots[order[i]].MinSize(f.settings.MinGroupSize)
		b := f.cfg.Finder.Slots[order[j]].MinSize(f.settings.MinGroupSize)
		if f.cfg.Finder.BiggerSlotsFirst {
			return a > b
		}
		return a < b
	})
	return order
}

// searchSlot runs the commit loop for one slot and tier.
func (f *Finder) searchSlot(ctx context.Context, slotIndex int, tier candidate.Tier, notAvailable *linkedhashset.Set) ([]*groups.Group, error) {
	slot := f.cfg.Finder.Slots[slotIndex]
	minSize := slot.MinSize(f.settings.MinGroupSize)
	maxSize := slot.MaxSize(f.settings.MaxGroupSize)

	raw, err := f.fetchCandidates(ctx, slotIndex, tier)
	if err != nil {
		return nil, fmt.Errorf("fetching candidates for slot %d: %w", slotIndex, err)
	}

	// Different shapes can resolve to the same member set.
	deduped := make([]*candidate.Group, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, g := range raw {
		key := g.MembersKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, g)
	}

	store := candidate.NewOrderedGroups(f.settings.Mode)
	for _, g := range deduped {
		if issues := g.Validate(); len(issues) > 0 {
			f.logger.Debug("candidate with structural issues",
				zap.String("candidateID", g.ID),
				zap.Errors("issues", issues))
		}
		fixed := candidate.TryToFixBadQualityGroup(candidate.Analyze(g, f.settings), slot, f.settings)
		// The quality fix keeps an already-good candidate as is, so the
		// slot's size floor needs its own check here.
		if fixed == nil || fixed.Group.Size() < minSize {
			continue
		}
		store.Insert(fixed)
	}

	var created []*groups.Group

	// The budget bounds re-insertion growth: each repaired candidate that
	// re-enters the store buys exactly one extra iteration.
	budget := store.Size()
	for i := 0; store.Size() > 0 && i < budget; i++ {
		best := store.RemoveMinimum()

		unavailable := membersIn(best.Group, notAvailable)
		if len(unavailable) == 0 && best.Group.Size() <= maxSize {
			ids := best.Group.UserIDs()
			g, err := f.store.CreateGroup(ctx, ids, slotIndex, tier)
			if err != nil {
				return created, &commitError{err: err}
			}
			for _, id := range ids {
				notAvailable.Add(id)
			}
			created = append(created, g)
			continue
		}

		repaired := best
		if len(unavailable) > 0 {
			repaired = candidate.RemoveUnavailableUsersFromGroup(repaired, unavailable, slot, f.settings)
			if repaired == nil {
				continue
			}
		}
		repaired = candidate.LimitGroupToMaximumSize(repaired, slot, f.settings)
		if repaired == nil {
			continue
		}
		repaired = candidate.TryToFixBadQualityGroup(repaired, slot, f.settings)
		if repaired == nil {
			continue
		}
		store.Insert(repaired)
		budget++
	}

	return created, nil
}

// fetchCandidates pulls raw candidates, either in one bulk query or sharded
// per eligible user with bounded concurrency. Responses carry no ordering
// requirement, the ordering store re-ranks everything anyway.
func (f *Finder) fetchCandidates(ctx context.Context, slotIndex int, tier candidate.Tier) ([]*candidate.Group, error) {
	concurrency := f.cfg.Finder.FetchConcurrency
	if concurrency <= 1 {
		return f.source.FetchGroupCandidates(ctx, slotIndex, tier, "")
	}

	userIDs, err := f.source.EligibleUserIDs(ctx, slotIndex)
	if err != nil {
		return nil, err
	}

	results := make([][]*candidate.Group, len(userIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for i, userID := range userIDs {
		i, userID := i, userID
		eg.Go(func() error {
			batch, err := f.source.FetchGroupCandidates(egCtx, slotIndex, tier, userID)
			if err != nil {
				return err
			}
			results[i] = batch
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var merged []*candidate.Group
	for _, batch := range results {
		merged = append(merged, batch...)
	}
	return merged, nil
}

// extendGroups evaluates adding stray users to groups that still accept
// members. At most one user joins a group per run: adding several at once
// would need their combined impact evaluated jointly.
func (f *Finder) extendGroups(ctx context.Context, slotIndex int, tier candidate.Tier, notAvailable *linkedhashset.Set) error {
	receiving, err := f.source.FetchGroupsReceivingMoreUsers(ctx, slotIndex, tier)
	if err != nil {
		return fmt.Errorf("fetching open groups for slot %d: %w", slotIndex, err)
	}

	for _, rg := range receiving {
		base := candidate.Analyze(rg.Group, f.settings)

		var bestUser string
		var bestAnalyzed *candidate.AnalyzedGroup
		for _, u := range rg.UsersToAdd {
			if notAvailable.Contains(u.UserID) {
				continue
			}
			analyzed := candidate.Analyze(candidate.AddUser(rg.Group, u), f.settings)
			if !candidate.HasMinimumQuality(analyzed, f.settings) {
				continue
			}
			// The addition must leave the group strictly better off.
			if candidate.BestGroup(base, analyzed, f.settings.Mode) == base {
				continue
			}
			if bestAnalyzed == nil || candidate.BestGroup(bestAnalyzed, analyzed, f.settings.Mode) == analyzed {
				bestUser = u.UserID
				bestAnalyzed = analyzed
			}
		}
		if bestAnalyzed == nil {
			continue
		}

		if err := f.store.AddUsersToGroup(ctx, rg.GroupID, []string{bestUser}, slotIndex); err != nil {
			return &commitError{err: err}
		}
		notAvailable.Add(bestUser)
	}
	return nil
}

// membersIn returns the candidate members present in the not-available set.
func membersIn(g *candidate.Group, set *linkedhashset.Set) []string {
	var out []string
	for _, u := range g.Users {
		if set.Contains(u.UserID) {
			out = append(out, u.UserID)
		}
	}
	return out
}
