package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/data-exporter/config"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
)

func testExportConfig() *config.ExportConfig {
	return &config.ExportConfig{
		Workers:              2,
		Enabled:              true,
		PollIntervalSec:      60,
		AbortScanIntervalSec: 60,
		ExpiryIntervalSec:    600,
		CompletedTTLSec:      3600,
		DownloadTTLSec:       3600,
		MinMaxFileSize:       1024,
	}
}

func newTestTask(modules ...string) *model.ExportTask {
	items := make([]model.WorkItem, len(modules))
	for i, m := range modules {
		items[i] = model.WorkItem{Module: m, Status: model.WorkItemPending}
	}
	return &model.ExportTask{
		ID:        "task-1",
		Owner:     model.Owner{UserID: 7, DomainID: 1},
		CreatedAt: time.Now().UnixMilli(),
		Status:    model.TaskStatusRunning,
		TouchedAt: time.Now().UnixMilli(),
		WorkItems: items,
	}
}

func simpleProvider(module, file, body string) *fakeProvider {
	return &fakeProvider{
		module: module,
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if err := sink.File(file, strings.NewReader(body)); err != nil {
				return Result{}, err
			}
			return Result{Kind: ResultCompleted}, nil
		},
	}
}

func TestExecutorCompletesTask(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	notifier := &memNotifier{}
	providers := NewRegistry()
	providers.Register(simpleProvider("mail", "mail/inbox.txt", "mail data"), 0)
	providers.Register(simpleProvider("chat", "chat/history.txt", "chat data"), 0)

	task := newTestTask("mail", "chat")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, notifier, nil)
	exec.processTask(context.Background(), task)

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, final.Status)
	require.Len(t, final.ResultRefs, 1)
	assert.Greater(t, final.ExpiresAt, time.Now().UnixMilli())

	entries := readArchive(t, blobs.data(final.ResultRefs[0]))
	assert.Equal(t, "mail data", entries["mail/inbox.txt"])
	assert.Equal(t, "chat data", entries["chat/history.txt"])

	// per-module segments are superseded by the final archive
	assert.Equal(t, 1, blobs.size())
	for i := range final.WorkItems {
		assert.Equal(t, model.WorkItemDone, final.WorkItems[i].Status)
		assert.Nil(t, final.WorkItems[i].BlobRef)
	}

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifySuccess, sent[0].Reason)
	assert.True(t, final.Notified)
}

func TestExecutorWorkItemFailureIsIsolated(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	notifier := &memNotifier{}
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			return Result{}, errors.NewProviderError("mail", assert.AnError)
		},
	}, 0)
	providers.Register(simpleProvider("chat", "chat/history.txt", "chat data"), 0)

	task := newTestTask("mail", "chat")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, notifier, nil)
	exec.processTask(context.Background(), task)

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	// one module failing still lets the task complete with the rest
	assert.Equal(t, model.TaskStatusDone, final.Status)
	assert.Equal(t, model.WorkItemFailed, final.WorkItem("mail").Status)
	assert.NotEmpty(t, final.WorkItem("mail").Failure)
	assert.Equal(t, model.WorkItemDone, final.WorkItem("chat").Status)

	require.Len(t, final.ResultRefs, 1)
	entries := readArchive(t, blobs.data(final.ResultRefs[0]))
	assert.Equal(t, "chat data", entries["chat/history.txt"])
	assert.Contains(t, entries, "diagnostics.txt")
	assert.Contains(t, entries["diagnostics.txt"], "mail")
}

func TestExecutorProviderPanicFailsTask(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	notifier := &memNotifier{}
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			panic("boom")
		},
	}, 0)

	task := newTestTask("mail")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, notifier, nil)
	exec.processTask(context.Background(), task)

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyFailed, sent[0].Reason)
}

func TestExecutorIncompletePausesTask(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if err := sink.File("mail/part1.txt", strings.NewReader("partial")); err != nil {
				return Result{}, err
			}
			return Result{Kind: ResultIncomplete, Savepoint: json.RawMessage(`{"page":2}`)}, nil
		},
	}, 0)
	providers.Register(simpleProvider("chat", "chat/history.txt", "chat data"), 0)

	task := newTestTask("mail", "chat")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, nil, nil)
	exec.processTask(context.Background(), task)

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPaused, final.Status)
	assert.Equal(t, model.WorkItemPaused, final.WorkItem("mail").Status)
	// the work item after the pausing one was never started
	assert.Equal(t, model.WorkItemPending, final.WorkItem("chat").Status)

	sp := final.WorkItem("mail").Savepoint
	require.NotNil(t, sp)
	assert.JSONEq(t, `{"page":2}`, string(sp.Provider))
	require.NotNil(t, sp.BlobRef)
	entries := readArchive(t, blobs.data(*sp.BlobRef))
	assert.Equal(t, "partial", entries["mail/part1.txt"])
}

func TestExecutorResumesFromSavepoint(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if savepoint == nil {
				if err := sink.File("mail/part1.txt", strings.NewReader("one")); err != nil {
					return Result{}, err
				}
				return Result{Kind: ResultIncomplete, Savepoint: json.RawMessage(`{"page":2}`)}, nil
			}
			if err := sink.File("mail/part2.txt", strings.NewReader("two")); err != nil {
				return Result{}, err
			}
			return Result{Kind: ResultCompleted}, nil
		},
	}, 0)

	task := newTestTask("mail")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, nil, nil)
	exec.processTask(context.Background(), task)

	paused, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPaused, paused.Status)

	// a later claim resumes the work item from its savepoint
	require.NoError(t, tasks.setStatus(task.ID, model.TaskStatusRunning))
	exec2 := NewExecutor(testExportConfig(), tasks, blobs, providers, nil, nil)
	exec2.processTask(context.Background(), paused)

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, final.Status)
	require.Len(t, final.ResultRefs, 1)
	entries := readArchive(t, blobs.data(final.ResultRefs[0]))
	assert.Equal(t, "one", entries["mail/part1.txt"])
	assert.Equal(t, "two", entries["mail/part2.txt"])
}

func TestExecutorAbortDeletesEverything(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	notifier := &memNotifier{}
	providers := NewRegistry()
	providers.Register(simpleProvider("mail", "mail/inbox.txt", "mail data"), 0)

	task := newTestTask("mail")
	task.Status = model.TaskStatusAborted
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, notifier, nil)
	exec.processTask(context.Background(), task)

	_, err := tasks.Get(context.Background(), task.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, blobs.size())

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyAborted, sent[0].Reason)
}

func TestExecutorStopPausesInFlightWork(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	started := make(chan struct{})
	release := make(chan struct{})
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if err := sink.File("mail/part1.txt", strings.NewReader("partial")); err != nil {
				return Result{}, err
			}
			close(started)
			<-release
			return Result{Kind: ResultInterrupted}, nil
		},
		pause: func(ctx context.Context, sink Sink, task *model.ExportTask) (PauseResult, error) {
			return PauseResult{Paused: true, Savepoint: json.RawMessage(`{"page":3}`)}, nil
		},
	}, 0)
	providers.Register(simpleProvider("chat", "chat/history.txt", "chat data"), 0)

	task := newTestTask("mail", "chat")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, nil, nil)
	done := make(chan struct{})
	go func() {
		exec.processTask(context.Background(), task)
		close(done)
	}()

	<-started
	// Stop persists the checkpoint before returning
	exec.Stop(context.Background())
	close(release)
	<-done

	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPaused, final.Status)
	assert.Equal(t, model.WorkItemPaused, final.WorkItem("mail").Status)
	// the work item after the interrupted one was never started
	assert.Equal(t, model.WorkItemPending, final.WorkItem("chat").Status)

	sp := final.WorkItem("mail").Savepoint
	require.NotNil(t, sp)
	assert.JSONEq(t, `{"page":3}`, string(sp.Provider))
	require.NotNil(t, final.WorkItem("mail").BlobRef)
	entries := readArchive(t, blobs.data(*final.WorkItem("mail").BlobRef))
	assert.Equal(t, "partial", entries["mail/part1.txt"])
	assert.Equal(t, 1, blobs.size())
}

func TestExecutorStopRacingCompletionKeepsResult(t *testing.T) {
	blobs := newMemBlobs()
	tasks := newMemTasks()
	started := make(chan struct{})
	release := make(chan struct{})
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if err := sink.File("mail/inbox.txt", strings.NewReader("mail data")); err != nil {
				return Result{}, err
			}
			close(started)
			<-release
			return Result{Kind: ResultCompleted}, nil
		},
		pause: func(ctx context.Context, sink Sink, task *model.ExportTask) (PauseResult, error) {
			// let the export call return and persist its result before the
			// pause is acknowledged
			close(release)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				fresh, err := tasks.Get(ctx, task.ID)
				if err == nil && fresh.WorkItem("mail").Status == model.WorkItemDone {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			return PauseResult{Paused: true, Savepoint: json.RawMessage(`{"page":9}`)}, nil
		},
	}, 0)

	task := newTestTask("mail")
	tasks.add(task)

	exec := NewExecutor(testExportConfig(), tasks, blobs, providers, nil, nil)
	done := make(chan struct{})
	go func() {
		exec.processTask(context.Background(), task)
		close(done)
	}()

	<-started
	exec.Stop(context.Background())
	<-done

	// the completed work item survives the late pause acknowledgement
	final, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemDone, final.WorkItem("mail").Status)
	require.NotNil(t, final.WorkItem("mail").BlobRef)
	assert.NotEqual(t, model.TaskStatusPaused, final.Status)
	assert.Nil(t, final.WorkItem("mail").Savepoint)

	// the sealed segment is still the only blob
	assert.Equal(t, 1, blobs.size())
	entries := readArchive(t, blobs.data(*final.WorkItem("mail").BlobRef))
	assert.Equal(t, "mail data", entries["mail/inbox.txt"])
}

func TestExecutorForcedPauseAfterMaxRuntime(t *testing.T) {
	cfg := testExportConfig()
	cfg.MaxProcessingTimeSec = 1

	blobs := newMemBlobs()
	tasks := newMemTasks()
	started := make(chan struct{})
	release := make(chan struct{})
	providers := NewRegistry()
	providers.Register(&fakeProvider{
		module: "mail",
		export: func(ctx context.Context, sink Sink, savepoint json.RawMessage, task *model.ExportTask) (Result, error) {
			if err := sink.File("mail/part1.txt", strings.NewReader("partial")); err != nil {
				return Result{}, err
			}
			close(started)
			<-release
			return Result{Kind: ResultInterrupted}, nil
		},
		pause: func(ctx context.Context, sink Sink, task *model.ExportTask) (PauseResult, error) {
			return PauseResult{Paused: true, Savepoint: json.RawMessage(`{"page":2}`)}, nil
		},
	}, 0)

	task := newTestTask("mail")
	tasks.add(task)

	exec := NewExecutor(cfg, tasks, blobs, providers, nil, nil)
	done := make(chan struct{})
	go func() {
		exec.processTask(context.Background(), task)
		close(done)
	}()

	<-started
	// the forced-pause timer fires without any external Stop call
	assert.Eventually(t, func() bool {
		status, err := tasks.GetStatus(context.Background(), task.ID)
		return err == nil && status == model.TaskStatusPaused
	}, 5*time.Second, 20*time.Millisecond)

	close(release)
	<-done
	assert.True(t, exec.isStopping())
}

func TestExecutorStopIsIdempotent(t *testing.T) {
	exec := NewExecutor(testExportConfig(), newMemTasks(), newMemBlobs(), NewRegistry(), nil, nil)
	exec.Stop(context.Background())
	exec.Stop(context.Background())
	assert.True(t, exec.isStopping())
}
