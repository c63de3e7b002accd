package cache

import "github.com/webitel/data-exporter/internal/model"

// Cache is the fast-path status surface in front of the task store. It is
// advisory only: the store stays the source of truth.
type Cache interface {
	SetTaskStatus(taskID string, status model.TaskStatus) error
	GetTaskStatus(taskID string) (model.TaskStatus, error)
	SetOwnerTask(owner model.Owner, taskID string) error
	GetOwnerTask(owner model.Owner) (string, error)
	ClearTask(owner model.Owner, taskID string) error

	Clear() error
}
