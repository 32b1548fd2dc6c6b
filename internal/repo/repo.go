package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo translates between relational rows and the domain model. Transaction
// boundaries are owned by callers; methods with a Tx suffix run against a
// caller-supplied transaction.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned by SaveStateTx when the project's state
	// version changed between load and save. The caller should reload and
	// retry, or let the queue redeliver the job.
	ErrStaleState = errors.New("workbench state is stale")
)

// Queryable is satisfied by *sql.DB, *sql.Conn and *sql.Tx, so read paths
// can run against a shared pool, a job-exclusive session, or a transaction.
type Queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
