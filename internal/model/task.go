package model

import "encoding/json"

type TaskStatus string

const (
	// TaskStatusPending is the queued state between submission and the first
	// claim by an execution unit.
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusAborted TaskStatus = "aborted"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusAborted:
		return true
	}
	return false
}

type WorkItemStatus string

const (
	WorkItemPending WorkItemStatus = "pending"
	WorkItemDone    WorkItemStatus = "done"
	WorkItemFailed  WorkItemStatus = "failed"
	WorkItemPaused  WorkItemStatus = "paused"
)

// Owner identifies the user an export task belongs to. One task per owner
// may exist at a time.
type Owner struct {
	UserID   int64 `json:"user_id"`
	DomainID int64 `json:"domain_id"`
}

// ExportTask is one user's data export request. Work items are kept in
// submission order of the requested modules.
type ExportTask struct {
	ID          string     `json:"id" db:"id"`
	Owner       Owner      `json:"owner"`
	CreatedAt   int64      `json:"created_at" db:"created_at"` // unix ms
	Status      TaskStatus `json:"status" db:"status"`
	MaxFileSize int64      `json:"max_file_size,omitempty" db:"max_file_size"`
	HostInfo    string     `json:"host_info,omitempty" db:"host_info"`
	Locale      string     `json:"locale,omitempty" db:"locale"`
	TouchedAt   int64      `json:"touched_at" db:"touched_at"` // unix ms, liveness
	ExpiresAt   int64      `json:"expires_at,omitempty" db:"expires_at"`
	ResultRefs  []string   `json:"result_refs,omitempty"`
	Notified    bool       `json:"notified" db:"notified"`
	WorkItems   []WorkItem `json:"work_items"`
}

// WorkItem is one module's contribution to an export task. It is owned by
// its task and mutated only by the execution unit currently holding it.
type WorkItem struct {
	Module    string          `json:"module" db:"module"`
	Status    WorkItemStatus  `json:"status" db:"status"`
	BlobRef   *string         `json:"blob_ref,omitempty" db:"blob_ref"`
	Savepoint *Savepoint      `json:"savepoint,omitempty"`
	Failure   json.RawMessage `json:"failure,omitempty"`
}

// WorkItem returns the work item for module, or nil.
func (t *ExportTask) WorkItem(module string) *WorkItem {
	for i := range t.WorkItems {
		if t.WorkItems[i].Module == module {
			return &t.WorkItems[i]
		}
	}
	return nil
}

// FailureInfo is the structured error payload stored on a failed work item.
type FailureInfo struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (f FailureInfo) JSON() json.RawMessage {
	b, _ := json.Marshal(f)
	return b
}
