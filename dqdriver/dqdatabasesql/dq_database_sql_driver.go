// Package dqdatabasesql provides a delayq driver implementation for Postgres
// through the built-in database/sql package, for use with database packages
// like lib/pq or with migration frameworks that operate on *sql.DB.
package dqdatabasesql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqdriver/internal/dqpgsql"
	"github.com/delayq/delayq/dqtype"
)

// Driver is an implementation of dqdriver.Driver for database/sql.
type Driver struct {
	dbPool *sql.DB
}

// New returns a new database/sql delayq driver for use with delayq.
//
// The pool should be opened with a Postgres database/sql driver like lib/pq.
// It may be nil, in which case only transactional operations are available.
func New(dbPool *sql.DB) *Driver {
	return &Driver{dbPool: dbPool}
}

func (d *Driver) DatabaseName() string { return "postgres" }

func (d *Driver) GetExecutor() dqdriver.Executor {
	return &Executor{dbPool: d.dbPool, dbtx: d.dbPool}
}

func (d *Driver) GetMigrationFS() fs.FS { return dqpgsql.MigrationFS }
func (d *Driver) PoolIsSet() bool       { return d.dbPool != nil }

func (d *Driver) UnwrapExecutor(tx *sql.Tx) dqdriver.ExecutorTx {
	return &ExecutorTx{Executor: Executor{dbtx: tx}, tx: tx}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Executor struct {
	dbPool *sql.DB // nil for executors wrapping a transaction
	dbtx   dbtx
}

func (e *Executor) Begin(ctx context.Context) (dqdriver.ExecutorTx, error) {
	if e.dbPool == nil {
		return nil, dqdriver.ErrSubTxNotSupported
	}

	tx, err := e.dbPool.BeginTx(ctx, nil)
	if err != nil {
		return nil, interpretError(err)
	}
	return &ExecutorTx{Executor: Executor{dbtx: tx}, tx: tx}, nil
}

func (e *Executor) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := e.dbtx.ExecContext(ctx, sql, args...)
	return interpretError(err)
}

func (e *Executor) JobClearLocks(ctx context.Context, params *dqdriver.JobClearLocksParams) (int, error) {
	res, err := e.dbtx.ExecContext(ctx, dqpgsql.JobClearLocks, params.LockedBy)
	if err != nil {
		return 0, interpretError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, interpretError(err)
	}
	return int(rowsAffected), nil
}

func (e *Executor) JobCount(ctx context.Context) (int, error) {
	var count int
	if err := e.dbtx.QueryRowContext(ctx, dqpgsql.JobCount).Scan(&count); err != nil {
		return 0, interpretError(err)
	}
	return count, nil
}

func (e *Executor) JobDelete(ctx context.Context, params *dqdriver.JobDeleteParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, dqpgsql.JobDelete, dqpgsql.JobDeleteArgs(params)...)
}

func (e *Executor) JobFindAvailable(ctx context.Context, params *dqdriver.JobFindAvailableParams) ([]*dqtype.JobRow, error) {
	return e.queryJobs(ctx, dqpgsql.JobFindAvailable, dqpgsql.JobFindAvailableArgs(params)...)
}

func (e *Executor) JobGetByID(ctx context.Context, params *dqdriver.JobGetByIDParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, dqpgsql.JobGetByID, params.ID)
}

func (e *Executor) JobInsert(ctx context.Context, params *dqdriver.JobInsertParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, dqpgsql.JobInsert, dqpgsql.JobInsertArgs(params)...)
}

func (e *Executor) JobList(ctx context.Context, params *dqdriver.JobListParams) ([]*dqtype.JobRow, error) {
	return e.queryJobs(ctx, dqpgsql.JobList, params.FailedOnly, params.Max)
}

func (e *Executor) JobLock(ctx context.Context, params *dqdriver.JobLockParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, dqpgsql.JobLock, dqpgsql.JobLockArgs(params)...)
}

func (e *Executor) JobUpdate(ctx context.Context, params *dqdriver.JobUpdateParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, dqpgsql.JobUpdate, dqpgsql.JobUpdateArgs(params)...)
}

func (e *Executor) MigrationDeleteByVersion(ctx context.Context, version int) error {
	_, err := e.dbtx.ExecContext(ctx, dqpgsql.MigrationDeleteByVersion, version)
	return interpretError(err)
}

func (e *Executor) MigrationGetAll(ctx context.Context) ([]*dqdriver.Migration, error) {
	rows, err := e.dbtx.QueryContext(ctx, dqpgsql.MigrationGetAll)
	if err != nil {
		return nil, interpretError(err)
	}
	defer rows.Close()

	var migrations []*dqdriver.Migration
	for rows.Next() {
		var migration dqdriver.Migration
		if err := rows.Scan(&migration.Version, &migration.CreatedAt); err != nil {
			return nil, interpretError(err)
		}
		migration.CreatedAt = migration.CreatedAt.UTC()
		migrations = append(migrations, &migration)
	}
	return migrations, interpretError(rows.Err())
}

func (e *Executor) MigrationInsert(ctx context.Context, version int) (*dqdriver.Migration, error) {
	var migration dqdriver.Migration
	if err := e.dbtx.QueryRowContext(ctx, dqpgsql.MigrationInsert, version).Scan(&migration.Version, &migration.CreatedAt); err != nil {
		return nil, interpretError(err)
	}
	migration.CreatedAt = migration.CreatedAt.UTC()
	return &migration, nil
}

func (e *Executor) TableExists(ctx context.Context, tableName string) (bool, error) {
	var exists bool
	if err := e.dbtx.QueryRowContext(ctx, dqpgsql.TableExists, tableName).Scan(&exists); err != nil {
		return false, interpretError(err)
	}
	return exists, nil
}

func (e *Executor) TableTruncate(ctx context.Context, tableNames ...string) error {
	for _, tableName := range tableNames {
		if _, err := e.dbtx.ExecContext(ctx, "TRUNCATE TABLE "+pq.QuoteIdentifier(tableName)); err != nil {
			return interpretError(err)
		}
	}
	return nil
}

func (e *Executor) queryJob(ctx context.Context, query string, args ...any) (*dqtype.JobRow, error) {
	job, err := dqpgsql.ScanJob(e.dbtx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, interpretError(err)
	}
	return job, nil
}

func (e *Executor) queryJobs(ctx context.Context, query string, args ...any) ([]*dqtype.JobRow, error) {
	rows, err := e.dbtx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, interpretError(err)
	}
	defer rows.Close()

	var jobs []*dqtype.JobRow
	for rows.Next() {
		job, err := dqpgsql.ScanJob(rows)
		if err != nil {
			return nil, interpretError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, interpretError(err)
	}
	return jobs, nil
}

type ExecutorTx struct {
	Executor

	tx *sql.Tx
}

func (t *ExecutorTx) Commit(ctx context.Context) error {
	// unfortunately, `database/sql` does not take a context ...
	return t.tx.Commit()
}

func (t *ExecutorTx) Rollback(ctx context.Context) error {
	// unfortunately, `database/sql` does not take a context ...
	return t.tx.Rollback()
}

func interpretError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return dqtype.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %w", dqdriver.ErrSchemaMissing, err)
	}
	return err
}
