package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	dberr "github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/store"
)

// Lease keeps the single-row advisory lease records. All writes are
// conditional on the exact token previously read, so cross-node races
// surface as zero affected rows instead of lost updates.
type Lease struct {
	storage *Store
}

func NewLeaseStore(store *Store) (store.LeaseStore, error) {
	if store == nil {
		return nil, dberr.NewDBInternalError("new_lease_store", errors.New("store is nil"))
	}
	return &Lease{storage: store}, nil
}

func (l *Lease) Get(ctx context.Context, name string) (string, bool, error) {
	db, err := l.storage.Database()
	if err != nil {
		return "", false, dberr.NewDBInternalError("lease.get", err)
	}

	var token string
	err = db.QueryRow(ctx,
		`SELECT token FROM data_exporter.lease WHERE name = $1`, name,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, dberr.NewDBInternalError("lease.get", err)
	}
	return token, true, nil
}

func (l *Lease) Insert(ctx context.Context, name, token string) (bool, error) {
	db, err := l.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("lease.insert", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO data_exporter.lease (name, token) VALUES ($1, $2)`,
		name, token)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// another node won the insert race
			return false, nil
		}
		return false, dberr.NewDBInternalError("lease.insert", err)
	}
	return true, nil
}

func (l *Lease) Update(ctx context.Context, name, old, new string) (bool, error) {
	db, err := l.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("lease.update", err)
	}

	cmd, err := db.Exec(ctx,
		`UPDATE data_exporter.lease SET token = $1 WHERE name = $2 AND token = $3`,
		new, name, old)
	if err != nil {
		return false, dberr.NewDBInternalError("lease.update", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (l *Lease) Remove(ctx context.Context, name, old string) (bool, error) {
	db, err := l.storage.Database()
	if err != nil {
		return false, dberr.NewDBInternalError("lease.remove", err)
	}

	cmd, err := db.Exec(ctx,
		`DELETE FROM data_exporter.lease WHERE name = $1 AND token = $2`,
		name, old)
	if err != nil {
		return false, dberr.NewDBInternalError("lease.remove", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (l *Lease) Delete(ctx context.Context, name string) error {
	db, err := l.storage.Database()
	if err != nil {
		return dberr.NewDBInternalError("lease.delete", err)
	}

	if _, err := db.Exec(ctx,
		`DELETE FROM data_exporter.lease WHERE name = $1`, name); err != nil {
		return dberr.NewDBInternalError("lease.delete", err)
	}
	return nil
}
