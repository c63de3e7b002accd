package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	dberr "github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/store"
)

type Task struct {
	storage *Store
}

func NewTaskStore(store *Store) (store.TaskStore, error) {
	if store == nil {
		return nil, dberr.NewDBInternalError("new_task_store", errors.New("store is nil"))
	}
	return &Task{storage: store}, nil
}

func (t *Task) CreateIfAbsent(ctx context.Context, task *model.ExportTask) (bool, error) {
	db, err := t.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("task.create_if_absent", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return false, dberr.NewDBInternalError("task.create_if_absent", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO data_exporter.task
			(id, user_id, domain_id, created_at, status, max_file_size, host_info, locale, touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $4)
		ON CONFLICT ON CONSTRAINT task_owner_uq DO NOTHING
	`
	cmd, err := tx.Exec(ctx, query,
		task.ID,
		task.Owner.UserID,
		task.Owner.DomainID,
		task.CreatedAt,
		task.Status,
		task.MaxFileSize,
		task.HostInfo,
		task.Locale,
	)
	if err != nil {
		return false, wrapPgError("task.create_if_absent", err)
	}
	if cmd.RowsAffected() == 0 {
		// another task for this owner is still in flight
		return false, nil
	}

	itemQuery := `
		INSERT INTO data_exporter.work_item (task_id, module, position, status)
		VALUES ($1, $2, $3, $4)
	`
	for i, item := range task.WorkItems {
		if _, err := tx.Exec(ctx, itemQuery, task.ID, item.Module, i, item.Status); err != nil {
			return false, wrapPgError("task.create_if_absent.work_item", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, dberr.NewDBInternalError("task.create_if_absent", err)
	}
	return true, nil
}

func (t *Task) Get(ctx context.Context, id string) (*model.ExportTask, error) {
	db, err := t.storage.Database()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.get", err)
	}

	query := `
		SELECT id, user_id, domain_id, created_at, status, max_file_size,
		       host_info, locale, touched_at, expires_at, result_refs, notified
		FROM data_exporter.task
		WHERE id = $1
	`
	task, err := scanTask(db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := t.loadWorkItems(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (t *Task) GetByOwner(ctx context.Context, owner model.Owner) (*model.ExportTask, error) {
	db, err := t.storage.Database()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.get_by_owner", err)
	}

	query := `
		SELECT id, user_id, domain_id, created_at, status, max_file_size,
		       host_info, locale, touched_at, expires_at, result_refs, notified
		FROM data_exporter.task
		WHERE user_id = $1 AND domain_id = $2
	`
	task, err := scanTask(db.QueryRow(ctx, query, owner.UserID, owner.DomainID))
	if err != nil {
		return nil, err
	}
	if err := t.loadWorkItems(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (t *Task) GetStatus(ctx context.Context, id string) (model.TaskStatus, error) {
	db, err := t.storage.Database()
	if err != nil {
		return "", dberr.NewDBInternalError("task.get_status", err)
	}

	var status model.TaskStatus
	err = db.QueryRow(ctx, `SELECT status FROM data_exporter.task WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", dberr.NewDBNotFoundError("task.get_status", "no task found")
		}
		return "", dberr.NewDBInternalError("task.get_status", err)
	}
	return status, nil
}

func (t *Task) ClaimNext(ctx context.Context, expiry, pausedFor time.Duration) (*model.ExportTask, error) {
	db, err := t.storage.Database()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.claim_next", err)
	}

	now := time.Now().UnixMilli()
	// SKIP LOCKED keeps two nodes from claiming the same job; the touched_at
	// predicates admit paused jobs that are due and running jobs abandoned
	// by a crashed node.
	query := `
		UPDATE data_exporter.task
		SET status = $1, touched_at = $2
		WHERE id = (
			SELECT id FROM data_exporter.task
			WHERE status = $3
			   OR (status = $4 AND touched_at < $5)
			   OR (status = $1 AND touched_at < $6)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id
	`
	var id string
	err = db.QueryRow(ctx, query,
		model.TaskStatusRunning,
		now,
		model.TaskStatusPending,
		model.TaskStatusPaused,
		now-pausedFor.Milliseconds(),
		now-expiry.Milliseconds(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dberr.NewDBInternalError("task.claim_next", err)
	}
	return t.Get(ctx, id)
}

func (t *Task) Touch(ctx context.Context, id string) error {
	return t.exec(ctx, "task.touch",
		`UPDATE data_exporter.task SET touched_at = $1 WHERE id = $2`,
		time.Now().UnixMilli(), id)
}

func (t *Task) MarkAborted(ctx context.Context, id string) (bool, error) {
	db, err := t.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("task.mark_aborted", err)
	}

	cmd, err := db.Exec(ctx, `
		UPDATE data_exporter.task
		SET status = $1, touched_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5, $1)
	`, model.TaskStatusAborted, time.Now().UnixMilli(), id, model.TaskStatusDone, model.TaskStatusFailed)
	if err != nil {
		return false, dberr.NewDBInternalError("task.mark_aborted", err)
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkPaused transitions a running task to paused. A task that is no longer
// running (e.g. a concurrent abort won) is left untouched.
func (t *Task) MarkPaused(ctx context.Context, id string) error {
	db, err := t.storage.Database()
	if err != nil {
		return dberr.NewDBInternalError("task.mark_paused", err)
	}
	_, err = db.Exec(ctx, `
		UPDATE data_exporter.task
		SET status = $1, touched_at = $2
		WHERE id = $3 AND status = $4
	`, model.TaskStatusPaused, time.Now().UnixMilli(), id, model.TaskStatusRunning)
	if err != nil {
		return dberr.NewDBInternalError("task.mark_paused", err)
	}
	return nil
}

func (t *Task) MarkFailed(ctx context.Context, id string) error {
	return t.exec(ctx, "task.mark_failed",
		`UPDATE data_exporter.task SET status = $1, touched_at = $2 WHERE id = $3`,
		model.TaskStatusFailed, time.Now().UnixMilli(), id)
}

func (t *Task) MarkDone(ctx context.Context, id string, resultRefs []string, expiresAt int64) error {
	refs, err := json.Marshal(resultRefs)
	if err != nil {
		return dberr.NewDBInternalError("task.mark_done", err)
	}
	return t.exec(ctx, "task.mark_done", `
		UPDATE data_exporter.task
		SET status = $1, touched_at = $2, result_refs = $3, expires_at = $4
		WHERE id = $5
	`, model.TaskStatusDone, time.Now().UnixMilli(), refs, expiresAt, id)
}

func (t *Task) SetWorkItemStatus(ctx context.Context, taskID, module string, status model.WorkItemStatus, blobRef *string) error {
	return t.exec(ctx, "task.set_work_item_status", `
		UPDATE data_exporter.work_item
		SET status = $1, blob_ref = $2
		WHERE task_id = $3 AND module = $4
	`, status, blobRef, taskID, module)
}

func (t *Task) SetWorkItemFailure(ctx context.Context, taskID, module string, failure model.FailureInfo) error {
	return t.exec(ctx, "task.set_work_item_failure", `
		UPDATE data_exporter.work_item
		SET status = $1, failure = $2
		WHERE task_id = $3 AND module = $4
	`, model.WorkItemFailed, failure.JSON(), taskID, module)
}

func (t *Task) GetSavepoint(ctx context.Context, taskID, module string) (*model.Savepoint, error) {
	db, err := t.storage.Database()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.get_savepoint", err)
	}

	var raw []byte
	err = db.QueryRow(ctx,
		`SELECT savepoint FROM data_exporter.work_item WHERE task_id = $1 AND module = $2`,
		taskID, module,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dberr.NewDBNotFoundError("task.get_savepoint", "no work item found")
		}
		return nil, dberr.NewDBInternalError("task.get_savepoint", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var sp model.Savepoint
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, dberr.NewDBInternalError("task.get_savepoint", err)
	}
	return &sp, nil
}

func (t *Task) SetSavepoint(ctx context.Context, taskID, module string, sp *model.Savepoint) error {
	var raw []byte
	if sp != nil {
		var err error
		if raw, err = json.Marshal(sp); err != nil {
			return dberr.NewDBInternalError("task.set_savepoint", err)
		}
	}
	return t.exec(ctx, "task.set_savepoint", `
		UPDATE data_exporter.work_item
		SET savepoint = $1
		WHERE task_id = $2 AND module = $3
	`, raw, taskID, module)
}

func (t *Task) SetWorkItemBlob(ctx context.Context, taskID, module string, blobRef *string) error {
	return t.exec(ctx, "task.set_work_item_blob", `
		UPDATE data_exporter.work_item
		SET blob_ref = $1
		WHERE task_id = $2 AND module = $3
	`, blobRef, taskID, module)
}

func (t *Task) Delete(ctx context.Context, id string) ([]string, error) {
	task, err := t.Get(ctx, id)
	if err != nil {
		var notFound *dberr.DBNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	if err := t.exec(ctx, "task.delete",
		`DELETE FROM data_exporter.task WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return taskBlobRefs(task), nil
}

func (t *Task) DeleteExpired(ctx context.Context, ttl time.Duration) ([]*model.ExportTask, error) {
	db, err := t.storage.Database()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.delete_expired", err)
	}

	cutoff := time.Now().Add(-ttl).UnixMilli()
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	query := psql.
		Select("id").
		From("data_exporter.task").
		Where(sq.Eq{"status": []model.TaskStatus{
			model.TaskStatusDone, model.TaskStatusFailed, model.TaskStatusAborted,
		}}).
		Where(sq.Lt{"touched_at": cutoff})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, dberr.NewDBInternalError("task.delete_expired", err)
	}
	rows, err := db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, dberr.NewDBInternalError("task.delete_expired", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, dberr.NewDBInternalError("task.delete_expired", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dberr.NewDBInternalError("task.delete_expired", err)
	}

	var deleted []*model.ExportTask
	for _, id := range ids {
		task, err := t.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := t.exec(ctx, "task.delete_expired",
			`DELETE FROM data_exporter.task WHERE id = $1`, id); err != nil {
			continue
		}
		deleted = append(deleted, task)
	}
	return deleted, nil
}

func (t *Task) MarkNotified(ctx context.Context, id string) (bool, error) {
	db, err := t.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("task.mark_notified", err)
	}

	cmd, err := db.Exec(ctx, `
		UPDATE data_exporter.task SET notified = true
		WHERE id = $1 AND notified = false
	`, id)
	if err != nil {
		return false, dberr.NewDBInternalError("task.mark_notified", err)
	}
	return cmd.RowsAffected() > 0, nil
}

// ------------ helpers ------------ //

func (t *Task) exec(ctx context.Context, op, query string, args ...any) error {
	db, err := t.storage.Database()
	if err != nil {
		return dberr.NewDBInternalError(op, err)
	}
	cmd, err := db.Exec(ctx, query, args...)
	if err != nil {
		return wrapPgError(op, err)
	}
	if cmd.RowsAffected() == 0 {
		return dberr.NewDBNotFoundError(op, "no matching record found")
	}
	return nil
}

func (t *Task) loadWorkItems(ctx context.Context, task *model.ExportTask) error {
	db, err := t.storage.Database()
	if err != nil {
		return dberr.NewDBInternalError("task.load_work_items", err)
	}

	rows, err := db.Query(ctx, `
		SELECT module, status, blob_ref, savepoint, failure
		FROM data_exporter.work_item
		WHERE task_id = $1
		ORDER BY position
	`, task.ID)
	if err != nil {
		return dberr.NewDBInternalError("task.load_work_items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item    model.WorkItem
			spRaw   []byte
			failRaw []byte
		)
		if err := rows.Scan(&item.Module, &item.Status, &item.BlobRef, &spRaw, &failRaw); err != nil {
			return dberr.NewDBInternalError("task.load_work_items", err)
		}
		if len(spRaw) > 0 {
			var sp model.Savepoint
			if err := json.Unmarshal(spRaw, &sp); err != nil {
				return dberr.NewDBInternalError("task.load_work_items", err)
			}
			item.Savepoint = &sp
		}
		if len(failRaw) > 0 {
			item.Failure = json.RawMessage(failRaw)
		}
		task.WorkItems = append(task.WorkItems, item)
	}
	return rows.Err()
}

func scanTask(row pgx.Row) (*model.ExportTask, error) {
	var (
		task model.ExportTask
		refs []byte
	)
	err := row.Scan(
		&task.ID,
		&task.Owner.UserID,
		&task.Owner.DomainID,
		&task.CreatedAt,
		&task.Status,
		&task.MaxFileSize,
		&task.HostInfo,
		&task.Locale,
		&task.TouchedAt,
		&task.ExpiresAt,
		&refs,
		&task.Notified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dberr.NewDBNotFoundError("task.scan", "no task found")
		}
		return nil, dberr.NewDBInternalError("task.scan", err)
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &task.ResultRefs); err != nil {
			return nil, dberr.NewDBInternalError("task.scan", err)
		}
	}
	return &task, nil
}

// taskBlobRefs collects every blob a task still references.
func taskBlobRefs(task *model.ExportTask) []string {
	seen := make(map[string]struct{})
	var refs []string
	add := func(ref *string) {
		if ref == nil || *ref == "" {
			return
		}
		if _, ok := seen[*ref]; ok {
			return
		}
		seen[*ref] = struct{}{}
		refs = append(refs, *ref)
	}
	for i := range task.WorkItems {
		add(task.WorkItems[i].BlobRef)
		if sp := task.WorkItems[i].Savepoint; sp != nil {
			add(sp.BlobRef)
		}
	}
	for i := range task.ResultRefs {
		add(&task.ResultRefs[i])
	}
	return refs
}

func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &dberr.DBUniqueViolationError{
				DBError: *dberr.NewDBError(op, pgErr.Message),
				Column:  pgErr.ConstraintName,
			}
		case "23503": // foreign_key_violation
			return &dberr.DBForeignKeyViolationError{
				DBError:         *dberr.NewDBError(op, pgErr.Message),
				ForeignKeyTable: pgErr.TableName,
			}
		}
	}
	return dberr.NewDBInternalError(op, err)
}
