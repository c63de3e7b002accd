package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
)

// memBlobs is an in-memory stand-in for the blob store.
type memBlobs struct {
	mu    sync.Mutex
	next  int
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ref := fmt.Sprintf("blob-%d", m.next)
	m.blobs[ref] = data
	return ref, nil
}

func (m *memBlobs) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, errors.NotFound("blob not found: " + ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}

func (m *memBlobs) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *memBlobs) data(ref string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[ref]
}

// memTasks is an in-memory TaskStore good enough for single-process tests.
type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*model.ExportTask
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*model.ExportTask)}
}

func (m *memTasks) add(task *model.ExportTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
}

func copyTask(t *model.ExportTask) *model.ExportTask {
	cp := *t
	cp.WorkItems = make([]model.WorkItem, len(t.WorkItems))
	copy(cp.WorkItems, t.WorkItems)
	cp.ResultRefs = append([]string(nil), t.ResultRefs...)
	return &cp
}

func (m *memTasks) CreateIfAbsent(ctx context.Context, task *model.ExportTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.Owner == task.Owner {
			return false, nil
		}
	}
	m.tasks[task.ID] = copyTask(task)
	return true, nil
}

func (m *memTasks) Get(ctx context.Context, id string) (*model.ExportTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	return copyTask(task), nil
}

func (m *memTasks) GetByOwner(ctx context.Context, owner model.Owner) (*model.ExportTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.Owner == owner {
			return copyTask(task), nil
		}
	}
	return nil, errors.NewDBNotFoundError("test.store.task", "task not found")
}

func (m *memTasks) GetStatus(ctx context.Context, id string) (model.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return "", errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	return task.Status, nil
}

func (m *memTasks) ClaimNext(ctx context.Context, expiry, pausedFor time.Duration) (*model.ExportTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	for _, task := range m.tasks {
		eligible := task.Status == model.TaskStatusPending ||
			(task.Status == model.TaskStatusPaused && now-task.TouchedAt > pausedFor.Milliseconds()) ||
			(task.Status == model.TaskStatusRunning && now-task.TouchedAt > expiry.Milliseconds())
		if eligible {
			task.Status = model.TaskStatusRunning
			task.TouchedAt = now
			return copyTask(task), nil
		}
	}
	return nil, nil
}

func (m *memTasks) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	task.TouchedAt = time.Now().UnixMilli()
	return nil
}

func (m *memTasks) MarkAborted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	if task.Status == model.TaskStatusDone || task.Status == model.TaskStatusFailed ||
		task.Status == model.TaskStatusAborted {
		return false, nil
	}
	task.Status = model.TaskStatusAborted
	return true, nil
}

func (m *memTasks) setStatus(id string, status model.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	task.Status = status
	return nil
}

func (m *memTasks) MarkPaused(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	// mirrors the store: only a running task pauses, a concurrent abort wins
	if task.Status == model.TaskStatusRunning {
		task.Status = model.TaskStatusPaused
	}
	return nil
}

func (m *memTasks) MarkFailed(ctx context.Context, id string) error {
	return m.setStatus(id, model.TaskStatusFailed)
}

func (m *memTasks) MarkDone(ctx context.Context, id string, resultRefs []string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	task.Status = model.TaskStatusDone
	task.ResultRefs = append([]string(nil), resultRefs...)
	task.ExpiresAt = expiresAt
	return nil
}

func (m *memTasks) workItem(id, module string) (*model.WorkItem, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	item := task.WorkItem(module)
	if item == nil {
		return nil, errors.NewDBNotFoundError("test.store.work_item", "work item not found")
	}
	return item, nil
}

func (m *memTasks) SetWorkItemStatus(ctx context.Context, taskID, module string, status model.WorkItemStatus, blobRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.workItem(taskID, module)
	if err != nil {
		return err
	}
	item.Status = status
	item.BlobRef = blobRef
	return nil
}

func (m *memTasks) SetWorkItemFailure(ctx context.Context, taskID, module string, failure model.FailureInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.workItem(taskID, module)
	if err != nil {
		return err
	}
	item.Status = model.WorkItemFailed
	item.Failure = failure.JSON()
	return nil
}

func (m *memTasks) GetSavepoint(ctx context.Context, taskID, module string) (*model.Savepoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.workItem(taskID, module)
	if err != nil {
		return nil, err
	}
	if item.Savepoint == nil {
		return nil, nil
	}
	cp := *item.Savepoint
	return &cp, nil
}

func (m *memTasks) SetSavepoint(ctx context.Context, taskID, module string, sp *model.Savepoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.workItem(taskID, module)
	if err != nil {
		return err
	}
	item.Savepoint = sp
	return nil
}

func (m *memTasks) SetWorkItemBlob(ctx context.Context, taskID, module string, blobRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.workItem(taskID, module)
	if err != nil {
		return err
	}
	item.BlobRef = blobRef
	return nil
}

func (m *memTasks) Delete(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	refs := collectBlobRefs(task)
	delete(m.tasks, id)
	return refs, nil
}

func (m *memTasks) DeleteExpired(ctx context.Context, ttl time.Duration) ([]*model.ExportTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var out []*model.ExportTask
	for id, task := range m.tasks {
		if task.Status.Terminal() && task.TouchedAt < cutoff {
			out = append(out, copyTask(task))
			delete(m.tasks, id)
		}
	}
	return out, nil
}

func (m *memTasks) MarkNotified(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, errors.NewDBNotFoundError("test.store.task", "task not found")
	}
	if task.Notified {
		return false, nil
	}
	task.Notified = true
	return true, nil
}

func collectBlobRefs(task *model.ExportTask) []string {
	var refs []string
	for i := range task.WorkItems {
		if ref := task.WorkItems[i].BlobRef; ref != nil && *ref != "" {
			refs = append(refs, *ref)
		}
		if sp := task.WorkItems[i].Savepoint; sp != nil && sp.BlobRef != nil {
			refs = append(refs, *sp.BlobRef)
		}
	}
	refs = append(refs, task.ResultRefs...)
	return refs
}

// memLeases is an in-memory LeaseStore with CAS semantics.
type memLeases struct {
	mu     sync.Mutex
	leases map[string]string
}

func newMemLeases() *memLeases {
	return &memLeases{leases: make(map[string]string)}
}

func (m *memLeases) Get(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.leases[name]
	return token, ok, nil
}

func (m *memLeases) Insert(ctx context.Context, name, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.leases[name]; exists {
		return false, nil
	}
	m.leases[name] = token
	return true, nil
}

func (m *memLeases) Update(ctx context.Context, name, old, new string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[name] != old {
		return false, nil
	}
	m.leases[name] = new
	return true, nil
}

func (m *memLeases) Remove(ctx context.Context, name, old string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.leases[name]; !exists || current != old {
		return false, nil
	}
	delete(m.leases, name)
	return true, nil
}

func (m *memLeases) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
	return nil
}

// fakeProvider exports a fixed set of files and can be scripted to fail,
// pause itself, or resume from a savepoint.
type fakeProvider struct {
	module string
	export func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error)
	pause  func(ctx context.Context, sink Sink, task *model.ExportTask) (PauseResult, error)
}

func (p *fakeProvider) Module() string { return p.module }

func (p *fakeProvider) CheckArguments(ctx context.Context, owner model.Owner) (bool, error) {
	return true, nil
}

func (p *fakeProvider) PathPrefix(locale string) string { return p.module }

func (p *fakeProvider) Export(ctx context.Context, correlationID string, sink Sink, savepoint json.RawMessage, task *model.ExportTask, locale string) (Result, error) {
	return p.export(ctx, sink, savepoint, task)
}

func (p *fakeProvider) Pause(ctx context.Context, correlationID string, sink Sink, task *model.ExportTask) (PauseResult, error) {
	if p.pause != nil {
		return p.pause(ctx, sink, task)
	}
	return PauseResult{Paused: true}, nil
}

// memNotifier records every delivered notification.
type memNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *memNotifier) Send(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *memNotifier) all() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
