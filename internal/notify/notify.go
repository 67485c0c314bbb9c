package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier is the hook invoked after groups are persisted. Delivery (push,
// email) is supplied by the caller, the finder only guarantees the hook runs.
type Notifier interface {
	GroupCreated(ctx context.Context, groupID string, userIDs []string) error
	UsersAddedToGroup(ctx context.Context, groupID string, userIDs []string) error
}

// LogNotifier is the default hook, it only records the event.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs group events.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) GroupCreated(ctx context.Context, groupID string, userIDs []string) error {
	n.logger.Info("group created",
		zap.String("groupID", groupID),
		zap.Strings("members", userIDs))
	return nil
}

func (n *LogNotifier) UsersAddedToGroup(ctx context.Context, groupID string, userIDs []string) error {
	n.logger.Info("users added to group",
		zap.String("groupID", groupID),
		zap.Strings("users", userIDs))
	return nil
}
