package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/data-exporter/config"
	"github.com/webitel/data-exporter/internal/cache"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/storage"
	"github.com/webitel/data-exporter/internal/store"
)

// SubmitRequest is the user-facing submission payload.
type SubmitRequest struct {
	Owner model.Owner
	// Modules the user wants exported, in the order the final archive should
	// follow. At least one is required.
	Modules []string
	// MaxFileSize splits the final archive into parts no larger than this,
	// in bytes. Zero means a single archive.
	MaxFileSize int64
	Locale      string
}

// Service is the submission and admin surface of the export pipeline. It
// never executes anything itself; processing is the scheduler's job.
type Service struct {
	cfg       *config.ExportConfig
	tasks     store.TaskStore
	blobs     storage.FileStorage
	providers *Registry
	statuses  cache.Cache
	scheduler *Scheduler
}

func NewService(cfg *config.ExportConfig, st store.Store, blobs storage.FileStorage, providers *Registry, statuses cache.Cache, scheduler *Scheduler) *Service {
	return &Service{
		cfg:       cfg,
		tasks:     st.Task(),
		blobs:     blobs,
		providers: providers,
		statuses:  statuses,
		scheduler: scheduler,
	}
}

// SubmitIfAbsent creates a new export task unless the owner already has
// one. Modules without an applicable provider are filtered out before the
// task is stored. Returns the task and false when an existing task blocked
// the submission.
func (s *Service) SubmitIfAbsent(ctx context.Context, req SubmitRequest) (*model.ExportTask, bool, error) {
	if len(req.Modules) == 0 {
		return nil, false, errors.New("at least one module is required",
			errors.WithID("export.submit.no_modules"))
	}
	if req.MaxFileSize != 0 && req.MaxFileSize < s.cfg.MinMaxFileSize {
		return nil, false, errors.New("requested max file size is below the minimum",
			errors.WithID("export.submit.max_file_size_too_small"))
	}

	items := make([]model.WorkItem, 0, len(req.Modules))
	seen := make(map[string]struct{}, len(req.Modules))
	for _, module := range req.Modules {
		if _, dup := seen[module]; dup {
			continue
		}
		seen[module] = struct{}{}
		provider, ok := s.providers.HighestRankedFor(module)
		if !ok {
			return nil, false, errors.New("unknown export module: "+module,
				errors.WithID("export.submit.unknown_module"))
		}
		applies, err := provider.CheckArguments(ctx, req.Owner)
		if err != nil {
			return nil, false, err
		}
		if !applies {
			continue
		}
		items = append(items, model.WorkItem{Module: module, Status: model.WorkItemPending})
	}
	if len(items) == 0 {
		return nil, false, errors.New("no requested module applies to this user",
			errors.WithID("export.submit.nothing_to_export"))
	}

	// cheap duplicate check; the store's conditional insert is authoritative
	if s.statuses != nil {
		if existing, err := s.statuses.GetOwnerTask(req.Owner); err == nil && existing != "" {
			task, gerr := s.tasks.Get(ctx, existing)
			if gerr == nil {
				return task, false, nil
			}
		}
	}

	task := &model.ExportTask{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		CreatedAt:   time.Now().UnixMilli(),
		Status:      model.TaskStatusPending,
		MaxFileSize: req.MaxFileSize,
		HostInfo:    s.cfg.HostInfo,
		Locale:      req.Locale,
		WorkItems:   items,
	}

	created, err := s.tasks.CreateIfAbsent(ctx, task)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, gerr := s.tasks.GetByOwner(ctx, req.Owner)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}

	if s.statuses != nil {
		_ = s.statuses.SetOwnerTask(req.Owner, task.ID)
		_ = s.statuses.SetTaskStatus(task.ID, task.Status)
	}
	slog.InfoContext(ctx, "data_exporter.service.task_submitted",
		slog.String("task_id", task.ID),
		slog.Int64("user_id", req.Owner.UserID),
		slog.Int64("domain_id", req.Owner.DomainID),
		slog.Int("modules", len(items)))
	return task, true, nil
}

// Get returns the task with its work items.
func (s *Service) Get(ctx context.Context, id string) (*model.ExportTask, error) {
	return s.tasks.Get(ctx, id)
}

// GetByOwner returns the owner's current task, if any.
func (s *Service) GetByOwner(ctx context.Context, owner model.Owner) (*model.ExportTask, error) {
	if s.statuses != nil {
		if id, err := s.statuses.GetOwnerTask(owner); err == nil && id != "" {
			if task, gerr := s.tasks.Get(ctx, id); gerr == nil {
				return task, nil
			}
		}
	}
	return s.tasks.GetByOwner(ctx, owner)
}

// Status answers the fast-path status question, preferring the cache.
func (s *Service) Status(ctx context.Context, id string) (model.TaskStatus, error) {
	if s.statuses != nil {
		if status, err := s.statuses.GetTaskStatus(id); err == nil && status != "" {
			return status, nil
		}
	}
	return s.tasks.GetStatus(ctx, id)
}

// Cancel marks the task aborted unless it already finished, and nudges a
// local execution unit holding it. Remote nodes pick the abort up through
// their periodic scan. Returns false when the task was already terminal.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	aborted, err := s.tasks.MarkAborted(ctx, id)
	if err != nil {
		return false, err
	}
	// the nudge is owed even when another node already marked the task
	// aborted: a local unit may still be draining it
	if s.scheduler != nil {
		s.scheduler.CancelLocal(ctx, id)
	}
	if !aborted {
		return false, nil
	}
	if s.statuses != nil {
		_ = s.statuses.SetTaskStatus(id, model.TaskStatusAborted)
	}
	slog.InfoContext(ctx, "data_exporter.service.task_cancelled", slog.String("task_id", id))
	return true, nil
}

// Delete removes a finished task with everything it stored. Running or
// queued tasks must be cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return errors.New("task is still active, cancel it first",
			errors.WithID("export.delete.task_active"))
	}
	refs, err := s.tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		_ = s.blobs.Delete(ctx, ref)
	}
	if s.statuses != nil {
		_ = s.statuses.ClearTask(task.Owner, id)
	}
	slog.InfoContext(ctx, "data_exporter.service.task_deleted", slog.String("task_id", id))
	return nil
}

// Download opens one final archive part for streaming to the owner. The
// index addresses the part within the task's result references.
func (s *Service) Download(ctx context.Context, id string, part int) (ref string, err error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Status != model.TaskStatusDone {
		return "", errors.New("export is not finished",
			errors.WithID("export.download.not_done"))
	}
	if task.ExpiresAt != 0 && task.ExpiresAt < time.Now().UnixMilli() {
		return "", errors.New("export download has expired",
			errors.WithID("export.download.expired"))
	}
	if part < 0 || part >= len(task.ResultRefs) {
		return "", errors.NotFound("archive part not found",
			errors.WithID("export.download.part_not_found"))
	}
	// a download counts as access and extends the retention window
	_ = s.tasks.Touch(ctx, id)
	return task.ResultRefs[part], nil
}
