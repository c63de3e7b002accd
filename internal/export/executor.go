package export

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/data-exporter/config"
	"github.com/webitel/data-exporter/internal/cache"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/storage"
	"github.com/webitel/data-exporter/internal/store"
)

// currentJob is the provider invocation an executor is inside right now.
// Stop() needs it to route the cooperative pause to the right provider.
type currentJob struct {
	task     *model.ExportTask
	item     *model.WorkItem
	provider Provider
	sink     *blobSink
	corrID   string
}

type taskTimers struct {
	touchOnce sync.Once
	touchStop chan struct{}
	forced    *time.Timer
}

func (t *taskTimers) cancelTouch() {
	if t == nil {
		return
	}
	t.touchOnce.Do(func() { close(t.touchStop) })
}

func (t *taskTimers) cancelForced() {
	if t != nil && t.forced != nil {
		t.forced.Stop()
	}
}

// Executor drives one worker through a sequence of export jobs. It
// processes a task's work items strictly in order, persists every state
// transition, and keeps pulling the next eligible job until none remain or
// it is told to stop.
type Executor struct {
	id        string
	cfg       *config.ExportConfig
	tasks     store.TaskStore
	blobs     storage.FileStorage
	providers *Registry
	notifier  Notifier
	statuses  cache.Cache

	mu       sync.Mutex
	stopping bool
	current  *currentJob
	timers   *taskTimers

	done chan struct{}
	// onFinish removes this executor from the pool map; it is wired before
	// Run starts so a concurrent failure cannot leak the pool entry.
	onFinish func(id string)
}

func NewExecutor(cfg *config.ExportConfig, tasks store.TaskStore, blobs storage.FileStorage, providers *Registry, notifier Notifier, statuses cache.Cache) *Executor {
	return &Executor{
		id:        uuid.NewString(),
		cfg:       cfg,
		tasks:     tasks,
		blobs:     blobs,
		providers: providers,
		notifier:  notifier,
		statuses:  statuses,
		done:      make(chan struct{}),
	}
}

func (e *Executor) ID() string { return e.id }

// Done closes once the executor has fully finished.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Run processes first and then keeps pulling further eligible jobs with a
// small randomized delay between pulls.
func (e *Executor) Run(ctx context.Context, first *model.ExportTask) {
	defer func() {
		if e.onFinish != nil {
			e.onFinish(e.id)
		}
		close(e.done)
	}()

	task := first
	for task != nil {
		e.processTask(ctx, task)
		if e.isStopping() || ctx.Err() != nil {
			return
		}

		time.Sleep(time.Duration(100+rand.Intn(400)) * time.Millisecond)

		var err error
		task, err = e.tasks.ClaimNext(ctx, e.cfg.ExpiryInterval(), e.cfg.PollInterval())
		if err != nil {
			slog.ErrorContext(ctx, "data_exporter.executor.claim_next_failed",
				slog.String("executor_id", e.id), slog.Any("error", err))
			return
		}
	}
}

func (e *Executor) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// Stop asks the executor to pause cooperatively. It is idempotent and safe
// to call concurrently: a second call (e.g. the forced-pause timer racing
// the window-close trigger) returns immediately.
func (e *Executor) Stop(ctx context.Context) {
	e.stop(ctx, true)
}

func (e *Executor) stop(ctx context.Context, external bool) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	cur := e.current
	timers := e.timers
	e.mu.Unlock()

	if external {
		// an internally triggered max-runtime stop must not touch the
		// liveness ticker it itself runs under
		timers.cancelTouch()
	}
	if cur == nil {
		return
	}

	res, err := cur.provider.Pause(ctx, cur.corrID, cur.sink, cur.task)
	if err != nil || !res.Paused {
		// the provider could not pause in time; the in-flight work item
		// keeps its prior state for a future run to retry
		slog.InfoContext(ctx, "data_exporter.executor.pause_declined",
			slog.String("task_id", cur.task.ID), slog.String("module", cur.item.Module))
		timers.cancelForced()
		return
	}

	// the provider's export call may have returned while Pause was in
	// flight; its result path then owns the work item's state and this
	// path must not overwrite it
	e.mu.Lock()
	returned := e.current != cur
	e.mu.Unlock()
	if returned {
		timers.cancelForced()
		return
	}

	// ordering is fixed so a crash mid-way leaves a resumable state:
	// finalize blob + savepoint first, then work item, then task status
	if err := cur.sink.SetSavepoint(ctx, res.Savepoint); err != nil {
		if errors.Is(err, errSinkFinished) {
			// lost the race against the result path after the check above
			timers.cancelForced()
			return
		}
		slog.ErrorContext(ctx, "data_exporter.executor.pause_checkpoint_failed",
			slog.String("task_id", cur.task.ID), slog.Any("error", err))
	}
	e.appendDiagnostics(ctx, cur.task.ID, cur.item.Module, res.Diagnostics)
	ref, sealed, _ := cur.sink.Finish(ctx)
	if !sealed {
		timers.cancelForced()
		return
	}
	if err := e.tasks.SetWorkItemStatus(ctx, cur.task.ID, cur.item.Module, model.WorkItemPaused, ref); err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.pause_item_failed",
			slog.String("task_id", cur.task.ID), slog.Any("error", err))
	}
	if err := e.tasks.MarkPaused(ctx, cur.task.ID); err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.pause_task_failed",
			slog.String("task_id", cur.task.ID), slog.Any("error", err))
	}
	e.cacheStatus(cur.task.ID, model.TaskStatusPaused)
	timers.cancelForced()
}

// processTask drives one task through its work items until a terminal or
// paused state.
func (e *Executor) processTask(ctx context.Context, task *model.ExportTask) {
	status, err := e.tasks.GetStatus(ctx, task.ID)
	if err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.status_reload_failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	if status == model.TaskStatusAborted {
		e.finishAborted(ctx, task)
		return
	}

	timers := e.startTimers(ctx, task)
	defer func() {
		timers.cancelTouch()
		timers.cancelForced()
		e.mu.Lock()
		e.current = nil
		e.timers = nil
		e.mu.Unlock()
	}()

	e.cacheStatus(task.ID, model.TaskStatusRunning)

	var fatal error
	paused := false
	for i := range task.WorkItems {
		item := &task.WorkItems[i]
		if item.Status == model.WorkItemDone || item.Status == model.WorkItemFailed {
			continue
		}
		if e.isStopping() {
			return
		}

		status, err := e.tasks.GetStatus(ctx, task.ID)
		if err == nil && status == model.TaskStatusAborted {
			e.finishAborted(ctx, task)
			return
		}
		if err == nil && status != model.TaskStatusRunning {
			return
		}

		pausedItem, ferr := e.processWorkItem(ctx, task, item)
		if ferr != nil {
			if errors.IsAbort(ferr) {
				e.finishAborted(ctx, task)
				return
			}
			fatal = ferr
			break
		}
		if pausedItem {
			paused = true
			break
		}
	}

	if fatal != nil {
		e.finishFailed(ctx, task, fatal)
		return
	}
	if paused || e.isStopping() {
		return
	}

	status, err = e.tasks.GetStatus(ctx, task.ID)
	if err != nil || status != model.TaskStatusRunning {
		return
	}
	e.finishDone(ctx, task)
}

// processWorkItem runs one module's provider against a fresh checkpointed
// sink. It reports paused when the task must stop advancing to the next
// work item.
func (e *Executor) processWorkItem(ctx context.Context, task *model.ExportTask, item *model.WorkItem) (paused bool, fatal error) {
	provider, ok := e.providers.HighestRankedFor(item.Module)
	if !ok {
		_ = e.tasks.SetWorkItemFailure(ctx, task.ID, item.Module, model.FailureInfo{
			ID:      "export.executor.no_provider",
			Message: fmt.Sprintf("no provider registered for module %s", item.Module),
		})
		return false, nil
	}

	var priorBlob *string
	if sp := item.Savepoint; sp != nil {
		priorBlob = sp.BlobRef
	} else if item.BlobRef != nil {
		priorBlob = item.BlobRef
	}
	sink := newBlobSink(e.blobs, e.tasks, task.ID, item.Module, priorBlob)

	var providerState []byte
	if item.Savepoint != nil {
		providerState = item.Savepoint.Provider
	}

	corrID := uuid.NewString()
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		_ = sink.Revoke(ctx)
		return true, nil
	}
	e.current = &currentJob{task: task, item: item, provider: provider, sink: sink, corrID: corrID}
	e.mu.Unlock()

	res, err := e.invokeProvider(ctx, provider, corrID, sink, providerState, task)

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	if err != nil {
		if errors.IsAbort(err) {
			_ = sink.Revoke(ctx)
			return false, err
		}
		if errors.IsLogged(err) {
			// unrecoverable runtime fault, already logged once
			_ = sink.Revoke(ctx)
			return false, err
		}
		// transient: this work item fails, the rest of the task still runs
		_ = sink.Revoke(ctx)
		_ = e.tasks.SetWorkItemFailure(ctx, task.ID, item.Module, model.FailureInfo{
			ID:      "export.executor.provider_error",
			Message: err.Error(),
		})
		e.appendDiagnostics(ctx, task.ID, item.Module, []string{
			fmt.Sprintf("export of %s failed: %s", item.Module, err.Error()),
		})
		slog.WarnContext(ctx, "data_exporter.executor.work_item_failed",
			slog.String("task_id", task.ID), slog.String("module", item.Module), slog.Any("error", err))
		return false, nil
	}

	switch res.Kind {
	case ResultCompleted:
		ref, sealed, ferr := sink.Finish(ctx)
		if !sealed {
			// a concurrent stop checkpointed the sink and persisted the
			// item as paused; the checkpoint holds everything written
			return true, nil
		}
		if ferr != nil {
			_ = e.tasks.SetWorkItemFailure(ctx, task.ID, item.Module, model.FailureInfo{
				ID:      "export.executor.finalize_error",
				Message: ferr.Error(),
			})
			return false, nil
		}
		e.appendDiagnostics(ctx, task.ID, item.Module, res.Diagnostics)
		if err := e.tasks.SetWorkItemStatus(ctx, task.ID, item.Module, model.WorkItemDone, ref); err != nil {
			return false, err
		}
		item.Status = model.WorkItemDone
		item.BlobRef = ref
		return false, nil

	case ResultIncomplete:
		// the provider stopped itself; checkpoint and leave the remaining
		// work items for a future run
		if err := sink.SetSavepoint(ctx, res.Savepoint); err != nil {
			if errors.Is(err, errSinkFinished) {
				return true, nil
			}
			_ = sink.Revoke(ctx)
			return false, err
		}
		e.appendDiagnostics(ctx, task.ID, item.Module, res.Diagnostics)
		ref, sealed, _ := sink.Finish(ctx)
		if !sealed {
			return true, nil
		}
		if err := e.tasks.SetWorkItemStatus(ctx, task.ID, item.Module, model.WorkItemPaused, ref); err != nil {
			return false, err
		}
		if err := e.tasks.MarkPaused(ctx, task.ID); err != nil {
			return false, err
		}
		e.cacheStatus(task.ID, model.TaskStatusPaused)
		return true, nil

	case ResultInterrupted:
		// the stop path persisted whatever was pausable
		_ = sink.Revoke(ctx)
		return true, nil

	case ResultAborted:
		_ = sink.Revoke(ctx)
		return false, &errors.AbortError{TaskID: task.ID}
	}
	return false, nil
}

// invokeProvider shields the executor from provider panics: a panic is an
// unrecoverable fault, logged exactly once and propagated as such.
func (e *Executor) invokeProvider(ctx context.Context, provider Provider, corrID string, sink *blobSink, state []byte, task *model.ExportTask) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			fault := fmt.Errorf("provider %s panic: %v", provider.Module(), r)
			slog.ErrorContext(ctx, "data_exporter.executor.provider_panic",
				slog.String("task_id", task.ID),
				slog.String("module", provider.Module()),
				slog.Any("panic", r))
			err = errors.MarkLogged(fault)
		}
	}()
	return provider.Export(ctx, corrID, sink, state, task, task.Locale)
}

// ------------ terminal transitions ------------ //

func (e *Executor) finishDone(ctx context.Context, task *model.ExportTask) {
	fresh, err := e.tasks.Get(ctx, task.ID)
	if err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.reload_failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}

	diag := &model.DiagnosticsReport{}
	for i := range fresh.WorkItems {
		if sp := fresh.WorkItems[i].Savepoint; sp != nil {
			diag.Merge(sp.Diagnostics)
		}
	}

	refs, err := assembleArchive(ctx, e.blobs, fresh, diag)
	if err != nil {
		e.finishFailed(ctx, task, err)
		return
	}

	expiresAt := time.Now().Add(e.cfg.DownloadTTL()).UnixMilli()
	if err := e.tasks.MarkDone(ctx, task.ID, refs, expiresAt); err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.mark_done_failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
		for _, ref := range refs {
			_ = e.blobs.Delete(ctx, ref)
		}
		e.finishFailed(ctx, task, err)
		return
	}

	// the per-module segments are superseded by the final archive
	for i := range fresh.WorkItems {
		item := &fresh.WorkItems[i]
		if item.BlobRef != nil && *item.BlobRef != "" {
			_ = e.blobs.Delete(ctx, *item.BlobRef)
			_ = e.tasks.SetWorkItemBlob(ctx, task.ID, item.Module, nil)
		}
	}

	e.cacheStatus(task.ID, model.TaskStatusDone)
	sendAndMarkNotified(ctx, e.tasks, e.notifier, Notification{
		Reason:    NotifySuccess,
		TaskID:    task.ID,
		Owner:     task.Owner,
		CreatedAt: task.CreatedAt,
		ExpiresAt: expiresAt,
		HostInfo:  task.HostInfo,
	}, true)
	slog.InfoContext(ctx, "data_exporter.executor.task_done", slog.String("task_id", task.ID))
}

// finishFailed marks the task failed and sends the failure notification.
// The two steps are attempted independently so one failing to persist does
// not suppress the other.
func (e *Executor) finishFailed(ctx context.Context, task *model.ExportTask, cause error) {
	if !errors.IsLogged(cause) {
		slog.ErrorContext(ctx, "data_exporter.executor.task_failed",
			slog.String("task_id", task.ID), slog.Any("error", cause))
	}
	if err := e.tasks.MarkFailed(ctx, task.ID); err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.mark_failed_failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
	}
	e.cacheStatus(task.ID, model.TaskStatusFailed)
	sendAndMarkNotified(ctx, e.tasks, e.notifier, Notification{
		Reason:    NotifyFailed,
		TaskID:    task.ID,
		Owner:     task.Owner,
		CreatedAt: task.CreatedAt,
		HostInfo:  task.HostInfo,
	}, true)
}

// finishAborted deletes the task with all its blobs and notifies the owner.
func (e *Executor) finishAborted(ctx context.Context, task *model.ExportTask) {
	refs, err := e.tasks.Delete(ctx, task.ID)
	if err != nil {
		slog.ErrorContext(ctx, "data_exporter.executor.abort_delete_failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	for _, ref := range refs {
		_ = e.blobs.Delete(ctx, ref)
	}
	if e.statuses != nil {
		_ = e.statuses.ClearTask(task.Owner, task.ID)
	}
	sendAndMarkNotified(ctx, e.tasks, e.notifier, Notification{
		Reason:    NotifyAborted,
		TaskID:    task.ID,
		Owner:     task.Owner,
		CreatedAt: task.CreatedAt,
		HostInfo:  task.HostInfo,
	}, false)
	slog.InfoContext(ctx, "data_exporter.executor.task_aborted", slog.String("task_id", task.ID))
}

// ------------ timers ------------ //

// startTimers wires the liveness touch ticker and, when a max processing
// time is configured, the one-shot forced pause.
func (e *Executor) startTimers(ctx context.Context, task *model.ExportTask) *taskTimers {
	timers := &taskTimers{touchStop: make(chan struct{})}

	interval := e.cfg.ExpiryInterval() / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-timers.touchStop:
				return
			case <-ticker.C:
				if err := e.tasks.Touch(context.Background(), task.ID); err != nil {
					slog.WarnContext(ctx, "data_exporter.executor.touch_failed",
						slog.String("task_id", task.ID), slog.Any("error", err))
				}
			}
		}
	}()

	if max := e.cfg.MaxProcessingTime(); max > 0 {
		timers.forced = time.AfterFunc(max, func() {
			slog.InfoContext(ctx, "data_exporter.executor.max_runtime_reached",
				slog.String("task_id", task.ID))
			e.stop(context.Background(), false)
		})
	}

	e.mu.Lock()
	e.timers = timers
	e.mu.Unlock()
	return timers
}

func (e *Executor) appendDiagnostics(ctx context.Context, taskID, module string, messages []string) {
	if len(messages) == 0 {
		return
	}
	sp, err := e.tasks.GetSavepoint(ctx, taskID, module)
	if err != nil {
		return
	}
	if sp == nil {
		sp = &model.Savepoint{}
	}
	if sp.Diagnostics == nil {
		sp.Diagnostics = &model.DiagnosticsReport{}
	}
	now := time.Now().UnixMilli()
	for _, m := range messages {
		sp.Diagnostics.Add(module, now, m)
	}
	// diagnostics are best effort: a persist failure never fails the task
	if err := e.tasks.SetSavepoint(ctx, taskID, module, sp); err != nil {
		slog.WarnContext(ctx, "data_exporter.executor.diagnostics_persist_failed",
			slog.String("task_id", taskID), slog.String("module", module), slog.Any("error", err))
	}
}

func (e *Executor) cacheStatus(taskID string, status model.TaskStatus) {
	if e.statuses == nil {
		return
	}
	if err := e.statuses.SetTaskStatus(taskID, status); err != nil {
		slog.Warn("data_exporter.executor.cache_status_failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
