// Package dqpgxv5 provides a delayq driver implementation for Pgx v5.
package dqpgxv5

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqdriver/internal/dqpgsql"
	"github.com/delayq/delayq/dqtype"
)

// Driver is an implementation of dqdriver.Driver for Pgx v5.
type Driver struct {
	dbPool *pgxpool.Pool
}

// New returns a new Pgx v5 delayq driver for use with delayq.
//
// The pool must not be closed while associated delayq objects are running.
// It may be nil, in which case only transactional operations like EnqueueTx
// are available on a client using the driver.
func New(dbPool *pgxpool.Pool) *Driver {
	return &Driver{dbPool: dbPool}
}

func (d *Driver) DatabaseName() string { return "postgres" }

func (d *Driver) GetExecutor() dqdriver.Executor {
	return &Executor{dbtx: d.dbPool}
}

func (d *Driver) GetMigrationFS() fs.FS { return dqpgsql.MigrationFS }
func (d *Driver) PoolIsSet() bool       { return d.dbPool != nil }

func (d *Driver) UnwrapExecutor(tx pgx.Tx) dqdriver.ExecutorTx {
	return &ExecutorTx{Executor: Executor{dbtx: tx}, tx: tx}
}

type dbtx interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Executor struct {
	dbtx dbtx
}

func (e *Executor) Begin(ctx context.Context) (dqdriver.ExecutorTx, error) {
	tx, err := e.dbtx.Begin(ctx)
	if err != nil {
		return nil, interpretError(err)
	}
	return &ExecutorTx{Executor: Executor{dbtx: tx}, tx: tx}, nil
}

func (e *Executor) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := e.dbtx.Exec(ctx, sql, args...)
	return interpretError(err)
}

func (e *Executor) JobClearLocks(ctx context.Context, params *dqdriver.JobClearLocksParams) (int, error) {
	tag, err := e.dbtx.Exec(ctx, dqpgsql.JobClearLocks, params.LockedBy)
	if err != nil {
		return 0, interpretError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (e *Executor) JobCount(ctx context.Context) (int, error) {
	var count int
	if err := e.dbtx.QueryRow(ctx, dqpgsql.JobCount).Scan(&count); err != nil {
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
	_, err := e.dbtx.Exec(ctx, dqpgsql.MigrationDeleteByVersion, version)
	return interpretError(err)
}

func (e *Executor) MigrationGetAll(ctx context.Context) ([]*dqdriver.Migration, error) {
	rows, err := e.dbtx.Query(ctx, dqpgsql.MigrationGetAll)
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
	if err := e.dbtx.QueryRow(ctx, dqpgsql.MigrationInsert, version).Scan(&migration.Version, &migration.CreatedAt); err != nil {
		return nil, interpretError(err)
	}
	migration.CreatedAt = migration.CreatedAt.UTC()
	return &migration, nil
}

func (e *Executor) TableExists(ctx context.Context, tableName string) (bool, error) {
	var exists bool
	if err := e.dbtx.QueryRow(ctx, dqpgsql.TableExists, tableName).Scan(&exists); err != nil {
		return false, interpretError(err)
	}
	return exists, nil
}

func (e *Executor) TableTruncate(ctx context.Context, tableNames ...string) error {
	for _, tableName := range tableNames {
		if _, err := e.dbtx.Exec(ctx, "TRUNCATE TABLE "+pgx.Identifier{tableName}.Sanitize()); err != nil {
			return interpretError(err)
		}
	}
	return nil
}

func (e *Executor) queryJob(ctx context.Context, sql string, args ...any) (*dqtype.JobRow, error) {
	job, err := dqpgsql.ScanJob(e.dbtx.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, interpretError(err)
	}
	return job, nil
}

func (e *Executor) queryJobs(ctx context.Context, sql string, args ...any) ([]*dqtype.JobRow, error) {
	rows, err := e.dbtx.Query(ctx, sql, args...)
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

	tx pgx.Tx
}

func (t *ExecutorTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *ExecutorTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func interpretError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return dqdriver.ErrClosedPool
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return dqtype.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %w", dqdriver.ErrSchemaMissing, err)
	}
	return err
}
