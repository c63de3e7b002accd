package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/store"
)

type fakeStore struct {
	tasks  store.TaskStore
	leases store.LeaseStore
}

func (s *fakeStore) Task() store.TaskStore   { return s.tasks }
func (s *fakeStore) Lease() store.LeaseStore { return s.leases }
func (s *fakeStore) Open() error             { return nil }
func (s *fakeStore) Close() error            { return nil }

func newTestService(t *testing.T, providers *Registry) (*Service, *memTasks, *memBlobs) {
	t.Helper()
	tasks := newMemTasks()
	blobs := newMemBlobs()
	st := &fakeStore{tasks: tasks, leases: newMemLeases()}
	svc := NewService(testExportConfig(), st, blobs, providers, nil, nil)
	return svc, tasks, blobs
}

func mailChatRegistry() *Registry {
	providers := NewRegistry()
	providers.Register(simpleProvider("mail", "mail/inbox.txt", "mail data"), 0)
	providers.Register(simpleProvider("chat", "chat/history.txt", "chat data"), 0)
	return providers
}

func TestSubmitIfAbsent(t *testing.T) {
	svc, _, _ := newTestService(t, mailChatRegistry())
	owner := model.Owner{UserID: 7, DomainID: 1}

	task, created, err := svc.SubmitIfAbsent(context.Background(), SubmitRequest{
		Owner:   owner,
		Modules: []string{"mail", "chat", "mail"},
		Locale:  "en",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	// duplicates collapse, order is preserved
	require.Len(t, task.WorkItems, 2)
	assert.Equal(t, "mail", task.WorkItems[0].Module)
	assert.Equal(t, "chat", task.WorkItems[1].Module)

	// a second submission for the same owner returns the existing task
	again, created, err := svc.SubmitIfAbsent(context.Background(), SubmitRequest{
		Owner:   owner,
		Modules: []string{"mail"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, task.ID, again.ID)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t, mailChatRegistry())
	owner := model.Owner{UserID: 7, DomainID: 1}

	_, _, err := svc.SubmitIfAbsent(context.Background(), SubmitRequest{Owner: owner})
	assert.Error(t, err, "no modules")

	_, _, err = svc.SubmitIfAbsent(context.Background(), SubmitRequest{
		Owner:   owner,
		Modules: []string{"voicemail"},
	})
	assert.Error(t, err, "unknown module")

	_, _, err = svc.SubmitIfAbsent(context.Background(), SubmitRequest{
		Owner:       owner,
		Modules:     []string{"mail"},
		MaxFileSize: 100, // below MinMaxFileSize
	})
	assert.Error(t, err)
}

func TestSubmitSkipsInapplicableModules(t *testing.T) {
	providers := NewRegistry()
	providers.Register(simpleProvider("mail", "mail/inbox.txt", "mail data"), 0)
	providers.Register(&skipProvider{module: "chat"}, 0)

	svc, _, _ := newTestService(t, providers)
	task, created, err := svc.SubmitIfAbsent(context.Background(), SubmitRequest{
		Owner:   model.Owner{UserID: 7, DomainID: 1},
		Modules: []string{"mail", "chat"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, task.WorkItems, 1)
	assert.Equal(t, "mail", task.WorkItems[0].Module)
}

// skipProvider never applies to any owner.
type skipProvider struct {
	fakeProvider
	module string
}

func (p *skipProvider) Module() string { return p.module }

func (p *skipProvider) CheckArguments(ctx context.Context, owner model.Owner) (bool, error) {
	return false, nil
}

func TestCancel(t *testing.T) {
	svc, tasks, _ := newTestService(t, mailChatRegistry())

	task := newTestTask("mail")
	task.Status = model.TaskStatusPending
	tasks.add(task)

	ok, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := tasks.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAborted, status)

	// cancelling a finished task is refused
	done := newTestTask("mail")
	done.ID = "task-2"
	done.Owner = model.Owner{UserID: 8, DomainID: 1}
	done.Status = model.TaskStatusDone
	tasks.add(done)

	ok, err = svc.Cancel(context.Background(), done.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelStopsLocalExecutionOfAbortedTask(t *testing.T) {
	tasks := newMemTasks()
	blobs := newMemBlobs()
	started := make(chan struct{})
	release := make(chan struct{})
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			close(started)
			<-release
			return Result{Kind: ResultInterrupted}, nil
		},
		pause: func(ctx context.Context, sink Sink, task *model.ExportTask) (PauseResult, error) {
			close(release)
			return PauseResult{Paused: true}, nil
		},
	}, 0)

	sched := newTestScheduler(t, tasks, blobs, newMemLeases(), providers, nil)
	st := &fakeStore{tasks: tasks, leases: newMemLeases()}
	svc := NewService(testExportConfig(), st, blobs, providers, nil, sched)

	task := newTestTask("mail")
	task.Status = model.TaskStatusPending
	tasks.add(task)

	sched.startProcessingTasks(context.Background())
	<-started

	// another node already marked the task aborted
	require.NoError(t, tasks.setStatus(task.ID, model.TaskStatusAborted))

	ok, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, ok, "the task was already aborted")

	// the local execution unit was still told to stop and drains out
	assert.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.executions) == 0
	}, 5*time.Second, 20*time.Millisecond)

	status, err := tasks.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAborted, status)
	sched.Stop(context.Background())
}

func TestDeleteRequiresTerminalTask(t *testing.T) {
	svc, tasks, blobs := newTestService(t, mailChatRegistry())

	active := newTestTask("mail")
	tasks.add(active)
	assert.Error(t, svc.Delete(context.Background(), active.ID))

	ref, err := blobs.Put(context.Background(), strings.NewReader("archive"))
	require.NoError(t, err)

	done := newTestTask("mail")
	done.ID = "task-2"
	done.Owner = model.Owner{UserID: 9, DomainID: 1}
	done.Status = model.TaskStatusDone
	done.ResultRefs = []string{ref}
	tasks.add(done)

	require.NoError(t, svc.Delete(context.Background(), done.ID))
	_, err = tasks.Get(context.Background(), done.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, blobs.size())
}

func TestStatusFallsBackToStore(t *testing.T) {
	svc, tasks, _ := newTestService(t, mailChatRegistry())
	task := newTestTask("mail")
	tasks.add(task)

	status, err := svc.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, status)
}

func TestDownload(t *testing.T) {
	svc, tasks, _ := newTestService(t, mailChatRegistry())

	task := newTestTask("mail")
	task.Status = model.TaskStatusDone
	task.ResultRefs = []string{"blob-1", "blob-2"}
	task.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	tasks.add(task)

	ref, err := svc.Download(context.Background(), task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "blob-2", ref)

	_, err = svc.Download(context.Background(), task.ID, 2)
	assert.Error(t, err)

	expired := newTestTask("mail")
	expired.ID = "task-2"
	expired.Owner = model.Owner{UserID: 8, DomainID: 1}
	expired.Status = model.TaskStatusDone
	expired.ResultRefs = []string{"blob-3"}
	expired.ExpiresAt = time.Now().Add(-time.Hour).UnixMilli()
	tasks.add(expired)

	_, err = svc.Download(context.Background(), expired.ID, 0)
	assert.Error(t, err)
}
