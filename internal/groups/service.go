package groups

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/candidate"
	"github.com/groupdate/groupdate/internal/notify"
	"github.com/groupdate/groupdate/internal/storage"
)

// Group is a persisted group.
type Group struct {
	ID        string
	SlotIndex int
	Tier      candidate.Tier
	CreatedAt time.Time
	UserIDs   []string
}

// Service is the persistence sink: it writes groups and their membership,
// converts the members' pairwise match relation into the grouped relation so
// the same pair is never proposed again, and invokes the notification hook.
type Service struct {
	db       *storage.DB
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewService creates a new group persistence service
func NewService(db *storage.DB, notifier notify.Notifier, logger *zap.Logger) *Service {
	return &Service{db: db, notifier: notifier, logger: logger}
}

// CreateGroup persists a new group with the given members at the given slot.
func (s *Service) CreateGroup(ctx context.Context, userIDs []string, slotIndex int, tier candidate.Tier) (*Group, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("cannot create a group without members")
	}

	group := &Group{
		ID:        uuid.NewString(),
		SlotIndex: slotIndex,
		Tier:      tier,
		CreatedAt: time.Now(),
		UserIDs:   append([]string(nil), userIDs...),
	}

	tx, err := s.db.GetConnection().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, slot_index, quality_tier, created_at)
		VALUES (?, ?, ?, ?)
	`, group.ID, slotIndex, string(tier), group.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert group: %w", err)
	}

	if err := s.addMembers(ctx, tx, group.ID, userIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("created group",
		zap.String("groupID", group.ID),
		zap.Int("slot", slotIndex),
		zap.String("tier", string(tier)),
		zap.Int("members", len(userIDs)))

	if err := s.notifier.GroupCreated(ctx, group.ID, userIDs); err != nil {
		return nil, fmt.Errorf("group %s created but notification failed: %w", group.ID, err)
	}
	return group, nil
}

// AddUsersToGroup extends an existing group with the given users.
func (s *Service) AddUsersToGroup(ctx context.Context, groupID string, userIDs []string, slotIndex int) error {
	if len(userIDs) == 0 {
		return nil
	}

	tx, err := s.db.GetConnection().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var storedSlot int
	err = tx.QueryRowContext(ctx, `SELECT slot_index FROM groups WHERE id = ?`, groupID).Scan(&storedSlot)
	if err == sql.ErrNoRows {
		return fmt.Errorf("group %s not found", groupID)
	}
	if err != nil {
		return err
	}
	if storedSlot != slotIndex {
		return fmt.Errorf("group %s belongs to slot %d, not %d", groupID, storedSlot, slotIndex)
	}

	if err := s.addMembers(ctx, tx, groupID, userIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("added users to group",
		zap.String("groupID", groupID),
		zap.Strings("users", userIDs))

	if err := s.notifier.UsersAddedToGroup(ctx, groupID, userIDs); err != nil {
		return fmt.Errorf("users added to group %s but notification failed: %w", groupID, err)
	}
	return nil
}

// addMembers writes the membership rows and converts every match pair where
// both users are now members of the group into a grouped pair.
func (s *Service) addMembers(ctx context.Context, tx *sql.Tx, groupID string, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id) VALUES (?, ?)
		`, groupID, id); err != nil {
			return fmt.Errorf("failed to add user %s to group %s: %w", id, groupID, err)
		}
	}

	// Every match between two members becomes a grouped pair: they met.
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO grouped (user_a, user_b, group_id)
		SELECT m.user_a, m.user_b, ?
		FROM matches m
		JOIN group_members ga ON ga.group_id = ? AND ga.user_id = m.user_a
		JOIN group_members gb ON gb.group_id = ? AND gb.user_id = m.user_b
	`, groupID, groupID, groupID)
	if err != nil {
		return fmt.Errorf("failed to convert matches of group %s: %w", groupID, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM matches
		WHERE EXISTS (
			SELECT 1 FROM grouped g
			WHERE g.user_a = matches.user_a AND g.user_b = matches.user_b
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to retire matches of group %s: %w", groupID, err)
	}
	return nil
}

// Get loads a persisted group with its members.
func (s *Service) Get(ctx context.Context, groupID string) (*Group, error) {
	conn := s.db.GetConnection()

	group := &Group{ID: groupID}
	var tier string
	err := conn.QueryRowContext(ctx, `
		SELECT slot_index, quality_tier, created_at FROM groups WHERE id = ?
	`, groupID).Scan(&group.SlotIndex, &tier, &group.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	if err != nil {
		return nil, err
	}
	group.Tier = candidate.Tier(tier)

	rows, err := conn.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = ? ORDER BY added_at, user_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		group.UserIDs = append(group.UserIDs, id)
	}
	return group, rows.Err()
}
