package export

import (
	"context"
	"log/slog"

	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/store"
)

type NotifyReason string

const (
	NotifySuccess NotifyReason = "success"
	NotifyFailed  NotifyReason = "failed"
	NotifyAborted NotifyReason = "aborted"
)

type Notification struct {
	Reason    NotifyReason
	TaskID    string
	Owner     model.Owner
	CreatedAt int64
	ExpiresAt int64 // zero when not applicable
	HostInfo  string
}

// Notifier delivers the terminal-state message to the task's owner.
// Delivery is external glue; the default implementation only logs.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier is the fallback delivery channel.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	slog.InfoContext(ctx, "data_exporter.notify.send",
		slog.String("reason", string(n.Reason)),
		slog.String("task_id", n.TaskID),
		slog.Int64("user_id", n.Owner.UserID),
		slog.Int64("domain_id", n.Owner.DomainID),
	)
	return nil
}

// sendAndMarkNotified delivers a terminal notification at most once per
// task across all nodes: the persistent mark is claimed first and only the
// claiming node sends. With markPersistently false (task row already gone)
// the send happens unconditionally.
func sendAndMarkNotified(ctx context.Context, tasks store.TaskStore, notifier Notifier, n Notification, markPersistently bool) {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if markPersistently {
		claimed, err := tasks.MarkNotified(ctx, n.TaskID)
		if err != nil || !claimed {
			return
		}
	}
	if err := notifier.Send(ctx, n); err != nil {
		slog.WarnContext(ctx, "data_exporter.notify.send_failed",
			slog.String("task_id", n.TaskID), slog.Any("error", err))
	}
}
