package export

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/webitel/data-exporter/config"
	"github.com/webitel/data-exporter/internal/cache"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/storage"
	"github.com/webitel/data-exporter/internal/store"
	"golang.org/x/sync/errgroup"
)

const cleanupLeaseName = "data_export_cleanup"

// Scheduler decides when this node runs exports per the configured weekly
// window table and maintains the bounded pool of execution units. The
// abort-and-cleanup scan runs for the whole process lifetime, independent
// of the start/stop window.
type Scheduler struct {
	cfg       *config.ExportConfig
	tasks     store.TaskStore
	blobs     storage.FileStorage
	providers *Registry
	notifier  Notifier
	statuses  cache.Cache
	lease     *LeaseLock
	schedule  model.WeeklySchedule

	mu         sync.Mutex
	executions map[string]*Executor
	startStop  chan struct{} // closes when the window's periodic start trigger must end
	stopTimer  *time.Timer
	replanT    *time.Timer
	abortStop  chan struct{}
	stopOnce   sync.Once
	closed     bool
}

func NewScheduler(cfg *config.ExportConfig, st store.Store, blobs storage.FileStorage, providers *Registry, notifier Notifier, statuses cache.Cache) (*Scheduler, error) {
	schedule, err := cfg.WeeklySchedule()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:        cfg,
		tasks:      st.Task(),
		blobs:      blobs,
		providers:  providers,
		notifier:   notifier,
		statuses:   statuses,
		lease:      NewLeaseLock(st.Lease(), cleanupLeaseName, cfg.ExpiryInterval()),
		schedule:   schedule,
		executions: make(map[string]*Executor),
		abortStop:  make(chan struct{}),
	}, nil
}

// Start plans the first processing window and launches the lifetime
// abort-and-cleanup scan.
func (s *Scheduler) Start(ctx context.Context) {
	s.PlanSchedule(ctx)
	go s.runAbortScan(ctx)
}

// PlanSchedule computes the next processing window and (re)arms the start,
// stop and reschedule triggers. All three are cancelled and replaced on
// every re-plan so duplicate timers cannot stack up. A node with scheduling
// disabled does nothing.
func (s *Scheduler) PlanSchedule(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	start, stop, ok := s.schedule.Plan(time.Now())
	if !ok {
		slog.InfoContext(ctx, "data_exporter.scheduler.no_windows_configured")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelTimersLocked()

	startStop := make(chan struct{})
	s.startStop = startStop
	s.stopTimer = time.AfterFunc(stop, func() {
		s.stopProcessingTasks(ctx, false)
	})
	// re-plan slightly after the stop trigger: picks up config changes and
	// the day rollover
	s.replanT = time.AfterFunc(stop+5*time.Second, func() {
		s.PlanSchedule(ctx)
	})
	s.mu.Unlock()

	slog.InfoContext(ctx, "data_exporter.scheduler.window_planned",
		slog.Duration("start_in", start), slog.Duration("stop_in", stop))

	go s.runWindow(ctx, start, startStop)
}

// runWindow waits for the window to open, then tops the pool up at the
// poll interval until the window closes.
func (s *Scheduler) runWindow(ctx context.Context, start time.Duration, stop <-chan struct{}) {
	if start > 0 {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(start):
		}
	}
	s.startProcessingTasks(ctx)

	interval := s.cfg.PollInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.startProcessingTasks(ctx)
		}
	}
}

// startProcessingTasks prunes finished executions and then, while below
// the concurrency limit, claims eligible jobs and starts execution units
// for them. A small growing randomized stagger between starts keeps the
// start of a window from stampeding the storage backend.
func (s *Scheduler) startProcessingTasks(ctx context.Context) {
	s.pruneExecutions()

	for i := 0; ; i++ {
		s.mu.Lock()
		if s.closed || len(s.executions) >= s.cfg.Workers {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if i > 0 {
			time.Sleep(time.Duration((i+1)*(20+rand.Intn(30))) * time.Millisecond)
		}

		task, err := s.tasks.ClaimNext(ctx, s.cfg.ExpiryInterval(), s.cfg.PollInterval())
		if err != nil {
			slog.ErrorContext(ctx, "data_exporter.scheduler.claim_next_failed", slog.Any("error", err))
			return
		}
		if task == nil {
			return
		}

		exec := NewExecutor(s.cfg, s.tasks, s.blobs, s.providers, s.notifier, s.statuses)
		// the cleanup callback is wired before Run so a failing unit can
		// never leak its pool entry
		exec.onFinish = s.removeExecution

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.executions[exec.ID()] = exec
		s.mu.Unlock()

		go exec.Run(ctx, task)
		slog.InfoContext(ctx, "data_exporter.scheduler.execution_started",
			slog.String("executor_id", exec.ID()), slog.String("task_id", task.ID))
	}
}

// stopProcessingTasks signals every live execution unit to pause
// gracefully. cancelTimers additionally tears the window triggers down
// (full shutdown) instead of leaving them armed for the next window.
func (s *Scheduler) stopProcessingTasks(ctx context.Context, cancelTimers bool) {
	s.mu.Lock()
	if cancelTimers {
		s.cancelTimersLocked()
		s.closed = true
	} else if s.startStop != nil {
		close(s.startStop)
		s.startStop = nil
	}
	live := make([]*Executor, 0, len(s.executions))
	for _, exec := range s.executions {
		live = append(live, exec)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, exec := range live {
		g.Go(func() error {
			exec.Stop(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Stop shuts the scheduler down for good. It is safe to call more than
// once; every call still drains the live executions.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.abortStop) })
	s.stopProcessingTasks(ctx, true)
}

// CancelLocal asks a live execution unit for the task, if this node holds
// one, to stop.
func (s *Scheduler) CancelLocal(ctx context.Context, taskID string) {
	s.mu.Lock()
	live := make([]*Executor, 0, len(s.executions))
	for _, exec := range s.executions {
		live = append(live, exec)
	}
	s.mu.Unlock()

	for _, exec := range live {
		exec.mu.Lock()
		cur := exec.current
		exec.mu.Unlock()
		if cur != nil && cur.task.ID == taskID {
			exec.Stop(ctx)
			return
		}
	}
}

// ------------ background scan ------------ //

func (s *Scheduler) runAbortScan(ctx context.Context) {
	interval := s.cfg.AbortScanInterval()
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.abortStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanAbortedExecutions(ctx)
			s.cleanupExpiredTasks(ctx)
		}
	}
}

// scanAbortedExecutions stops any live execution whose persisted task
// status became aborted. Detection is eventually consistent, bounded by
// the scan interval.
func (s *Scheduler) scanAbortedExecutions(ctx context.Context) {
	s.mu.Lock()
	live := make([]*Executor, 0, len(s.executions))
	for _, exec := range s.executions {
		live = append(live, exec)
	}
	s.mu.Unlock()

	for _, exec := range live {
		exec.mu.Lock()
		cur := exec.current
		exec.mu.Unlock()
		if cur == nil {
			continue
		}
		status, err := s.tasks.GetStatus(ctx, cur.task.ID)
		if err == nil && status == model.TaskStatusAborted {
			slog.InfoContext(ctx, "data_exporter.scheduler.stopping_aborted_execution",
				slog.String("task_id", cur.task.ID))
			exec.Stop(ctx)
		}
	}
}

// cleanupExpiredTasks deletes terminal tasks past their TTL and fires any
// notification they still owe. The lease lock keeps the scan a cluster
// singleton; losing the acquire race just means another node is on it.
func (s *Scheduler) cleanupExpiredTasks(ctx context.Context) {
	handle, err := s.lease.Acquire(ctx, true)
	if err != nil {
		slog.WarnContext(ctx, "data_exporter.scheduler.cleanup_lease_failed", slog.Any("error", err))
		return
	}
	if !handle.Acquired() {
		return
	}
	defer func() { _ = handle.Release(ctx) }()

	deleted, err := s.tasks.DeleteExpired(ctx, s.cfg.CompletedTTL())
	if err != nil {
		slog.ErrorContext(ctx, "data_exporter.scheduler.cleanup_failed", slog.Any("error", err))
		return
	}
	for _, task := range deleted {
		for i := range task.WorkItems {
			if ref := task.WorkItems[i].BlobRef; ref != nil && *ref != "" {
				_ = s.blobs.Delete(ctx, *ref)
			}
			if sp := task.WorkItems[i].Savepoint; sp != nil && sp.BlobRef != nil {
				_ = s.blobs.Delete(ctx, *sp.BlobRef)
			}
		}
		for _, ref := range task.ResultRefs {
			_ = s.blobs.Delete(ctx, ref)
		}
		if s.statuses != nil {
			_ = s.statuses.ClearTask(task.Owner, task.ID)
		}
		if !task.Notified {
			reason := NotifySuccess
			switch task.Status {
			case model.TaskStatusFailed:
				reason = NotifyFailed
			case model.TaskStatusAborted:
				reason = NotifyAborted
			}
			sendAndMarkNotified(ctx, s.tasks, s.notifier, Notification{
				Reason:    reason,
				TaskID:    task.ID,
				Owner:     task.Owner,
				CreatedAt: task.CreatedAt,
				ExpiresAt: task.ExpiresAt,
				HostInfo:  task.HostInfo,
			}, false)
		}
	}
	if len(deleted) > 0 {
		slog.InfoContext(ctx, "data_exporter.scheduler.cleanup_done", slog.Int("deleted", len(deleted)))
	}
}

// ------------ internals ------------ //

func (s *Scheduler) pruneExecutions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exec := range s.executions {
		select {
		case <-exec.Done():
			delete(s.executions, id)
		default:
		}
	}
}

func (s *Scheduler) removeExecution(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
}

func (s *Scheduler) cancelTimersLocked() {
	if s.startStop != nil {
		close(s.startStop)
		s.startStop = nil
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if s.replanT != nil {
		s.replanT.Stop()
		s.replanT = nil
	}
}
