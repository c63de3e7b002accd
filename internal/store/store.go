package store

import (
	"context"
	"time"

	"github.com/webitel/data-exporter/internal/model"
)

type Store interface {
	Task() TaskStore
	Lease() LeaseStore

	// ------------ Database Management ------------ //
	Open() error  // Return custom DB error
	Close() error // Return custom DB error
}

// TaskStore persists export tasks, their work items and savepoints. All
// multi-node coordination goes through the conditional semantics of
// CreateIfAbsent, ClaimNext and MarkNotified.
type TaskStore interface {
	// CreateIfAbsent inserts the task unless its owner already has one.
	// Returns false without error when a task for the owner exists.
	CreateIfAbsent(ctx context.Context, task *model.ExportTask) (bool, error)

	Get(ctx context.Context, id string) (*model.ExportTask, error)
	GetByOwner(ctx context.Context, owner model.Owner) (*model.ExportTask, error)
	GetStatus(ctx context.Context, id string) (model.TaskStatus, error)

	// ClaimNext atomically claims the next eligible job for this node:
	// pending, paused longer than pausedFor, or running but untouched longer
	// than expiry (abandoned by a crashed node). Returns nil when none.
	ClaimNext(ctx context.Context, expiry, pausedFor time.Duration) (*model.ExportTask, error)

	// Touch refreshes the task's last-activity timestamp: liveness while
	// running, retention while terminal.
	Touch(ctx context.Context, id string) error

	// MarkAborted flips the task to aborted unless it is already done or
	// failed; reports whether the transition happened.
	MarkAborted(ctx context.Context, id string) (bool, error)
	MarkPaused(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// MarkDone records the final archive references and the download expiry.
	MarkDone(ctx context.Context, id string, resultRefs []string, expiresAt int64) error

	SetWorkItemStatus(ctx context.Context, taskID, module string, status model.WorkItemStatus, blobRef *string) error
	SetWorkItemFailure(ctx context.Context, taskID, module string, failure model.FailureInfo) error
	GetSavepoint(ctx context.Context, taskID, module string) (*model.Savepoint, error)
	SetSavepoint(ctx context.Context, taskID, module string, sp *model.Savepoint) error
	// SetWorkItemBlob updates only the partial-segment reference.
	SetWorkItemBlob(ctx context.Context, taskID, module string, blobRef *string) error

	// Delete removes the task with its work items and returns every blob
	// reference the caller must drop from the blob store.
	Delete(ctx context.Context, id string) ([]string, error)
	// DeleteExpired removes terminal tasks past ttl and returns them so the
	// caller can drop blobs and send owed notifications.
	DeleteExpired(ctx context.Context, ttl time.Duration) ([]*model.ExportTask, error)

	// MarkNotified claims the right to notify the task's owner; it returns
	// true exactly once per task across all nodes.
	MarkNotified(ctx context.Context, id string) (bool, error)
}

// LeaseStore is the conditional-update surface the lease lock is built on.
// Every mutation is compare-and-swap against the exact token last read.
type LeaseStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
	// Insert fails (returns false) when the row already exists.
	Insert(ctx context.Context, name, token string) (bool, error)
	// Update succeeds only while the stored token equals old.
	Update(ctx context.Context, name, old, new string) (bool, error)
	// Remove deletes only while the stored token equals old.
	Remove(ctx context.Context, name, old string) (bool, error)
	// Delete unconditionally drops the row (used for expired leases).
	Delete(ctx context.Context, name string) error
}
