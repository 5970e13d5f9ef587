// Package dqsqlite provides a delayq driver implementation for SQLite through
// database/sql. It's been exercised with modernc.org/sqlite.
//
// SQLite only allows one write at a time and returns "database is locked (5)
// (SQLITE_BUSY)" when another is attempted. Configuring the pool with
// `dbPool.SetMaxOpenConns(1)` serializes access and avoids the problem.
//
// SQLite has no clock of its own that's worth using, so when an operation
// isn't given an explicit time, the driver uses the process's clock.
package dqsqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
)

//go:embed migration/*.sql
var migrationFS embed.FS

// Driver is an implementation of dqdriver.Driver for SQLite.
type Driver struct {
	dbPool *sql.DB
}

// New returns a new SQLite delayq driver. The pool must not be closed while
// associated delayq objects are running.
func New(dbPool *sql.DB) *Driver {
	return &Driver{dbPool: dbPool}
}

func (d *Driver) DatabaseName() string { return "sqlite" }

func (d *Driver) GetExecutor() dqdriver.Executor {
	return &Executor{dbPool: d.dbPool, dbtx: d.dbPool}
}

func (d *Driver) GetMigrationFS() fs.FS { return migrationFS }
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

const jobColumns = `id, attempts, created_at, failed_at, handler, last_error, locked_at, locked_by, priority, reoccur_in, run_at`

const jobClearLocksSQL = `
UPDATE delayq_job
SET locked_at = NULL,
    locked_by = NULL
WHERE locked_by = ?1`

func (e *Executor) JobClearLocks(ctx context.Context, params *dqdriver.JobClearLocksParams) (int, error) {
	res, err := e.dbtx.ExecContext(ctx, jobClearLocksSQL, params.LockedBy)
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
	if err := e.dbtx.QueryRowContext(ctx, `SELECT count(*) FROM delayq_job`).Scan(&count); err != nil {
		return 0, interpretError(err)
	}
	return count, nil
}

const jobDeleteSQL = `
DELETE FROM delayq_job
WHERE id = ?1
    AND (?2 IS NULL OR locked_by = ?2)
RETURNING ` + jobColumns

func (e *Executor) JobDelete(ctx context.Context, params *dqdriver.JobDeleteParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, jobDeleteSQL, params.ID, params.LockedBy)
}

const jobFindAvailableSQL = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE run_at <= ?1
    AND failed_at IS NULL
    AND (?2 IS NULL OR priority >= ?2)
    AND (?3 IS NULL OR priority <= ?3)
    AND (locked_by IS NULL OR locked_at < ?4)
ORDER BY priority ASC, run_at ASC, id ASC
LIMIT ?5`

func (e *Executor) JobFindAvailable(ctx context.Context, params *dqdriver.JobFindAvailableParams) ([]*dqtype.JobRow, error) {
	now := nowOrDefault(params.Now)

	return e.queryJobs(ctx, jobFindAvailableSQL,
		timeString(now),
		params.MinPriority,
		params.MaxPriority,
		timeString(now.Add(-params.MaxLockAge)),
		params.Max,
	)
}

const jobGetByIDSQL = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE id = ?1`

func (e *Executor) JobGetByID(ctx context.Context, params *dqdriver.JobGetByIDParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, jobGetByIDSQL, params.ID)
}

const jobInsertSQL = `
INSERT INTO delayq_job (
    attempts,
    created_at,
    failed_at,
    handler,
    last_error,
    locked_at,
    locked_by,
    priority,
    reoccur_in,
    run_at
) VALUES (
    ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, coalesce(?10, ?2)
)
RETURNING ` + jobColumns

func (e *Executor) JobInsert(ctx context.Context, params *dqdriver.JobInsertParams) (*dqtype.JobRow, error) {
	now := nowOrDefault(params.Now)

	return e.queryJob(ctx, jobInsertSQL,
		params.Attempts,
		timeString(now),
		timeStringNullable(params.FailedAt),
		string(params.Handler),
		params.LastError,
		timeStringNullable(params.LockedAt),
		params.LockedBy,
		params.Priority,
		params.ReoccurIn,
		timeStringNullable(params.RunAt),
	)
}

const jobListSQL = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE (NOT ?1 OR failed_at IS NOT NULL)
ORDER BY id ASC
LIMIT ?2`

func (e *Executor) JobList(ctx context.Context, params *dqdriver.JobListParams) ([]*dqtype.JobRow, error) {
	return e.queryJobs(ctx, jobListSQL, params.FailedOnly, params.Max)
}

// The holder may always refresh its own lock and anyone may take an unlocked
// or stale one. No row means somebody else holds a live lock.
const jobLockSQL = `
UPDATE delayq_job
SET locked_at = ?2,
    locked_by = ?3
WHERE id = ?1
    AND (locked_by = ?3 OR locked_by IS NULL OR locked_at < ?4)
    AND (NOT ?5 OR (failed_at IS NULL AND run_at <= ?2))
RETURNING ` + jobColumns

func (e *Executor) JobLock(ctx context.Context, params *dqdriver.JobLockParams) (*dqtype.JobRow, error) {
	now := nowOrDefault(params.Now)

	return e.queryJob(ctx, jobLockSQL,
		params.ID,
		timeString(now),
		params.LockedBy,
		timeString(now.Add(-params.MaxLockAge)),
		params.Runnable,
	)
}

const jobUpdateSQL = `
UPDATE delayq_job
SET attempts = CASE WHEN ?2 THEN ?3 ELSE attempts END,
    failed_at = CASE WHEN ?4 THEN ?5 ELSE failed_at END,
    last_error = CASE WHEN ?6 THEN ?7 ELSE last_error END,
    run_at = CASE WHEN ?8 THEN ?9 ELSE run_at END,
    locked_at = CASE WHEN ?10 THEN NULL ELSE locked_at END,
    locked_by = CASE WHEN ?10 THEN NULL ELSE locked_by END
WHERE id = ?1
    AND (?11 IS NULL OR locked_by = ?11)
RETURNING ` + jobColumns

func (e *Executor) JobUpdate(ctx context.Context, params *dqdriver.JobUpdateParams) (*dqtype.JobRow, error) {
	return e.queryJob(ctx, jobUpdateSQL,
		params.ID,
		params.AttemptsDoUpdate,
		params.Attempts,
		params.FailedAtDoUpdate,
		timeStringNullable(params.FailedAt),
		params.LastErrorDoUpdate,
		params.LastError,
		params.RunAtDoUpdate,
		timeString(params.RunAt),
		params.Unlock,
		params.LockedBy,
	)
}

func (e *Executor) MigrationDeleteByVersion(ctx context.Context, version int) error {
	_, err := e.dbtx.ExecContext(ctx, `DELETE FROM delayq_migration WHERE version = ?1`, version)
	return interpretError(err)
}

func (e *Executor) MigrationGetAll(ctx context.Context) ([]*dqdriver.Migration, error) {
	rows, err := e.dbtx.QueryContext(ctx, `SELECT version, created_at FROM delayq_migration ORDER BY version ASC`)
	if err != nil {
		return nil, interpretError(err)
	}
	defer rows.Close()

	var migrations []*dqdriver.Migration
	for rows.Next() {
		migration, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration)
	}
	return migrations, interpretError(rows.Err())
}

func (e *Executor) MigrationInsert(ctx context.Context, version int) (*dqdriver.Migration, error) {
	return scanMigration(e.dbtx.QueryRowContext(ctx,
		`INSERT INTO delayq_migration (version, created_at) VALUES (?1, ?2) RETURNING version, created_at`,
		version, timeString(time.Now())))
}

func (e *Executor) TableExists(ctx context.Context, tableName string) (bool, error) {
	var exists bool
	if err := e.dbtx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?1)`, tableName,
	).Scan(&exists); err != nil {
		return false, interpretError(err)
	}
	return exists, nil
}

func (e *Executor) TableTruncate(ctx context.Context, tableNames ...string) error {
	for _, tableName := range tableNames {
		// SQLite has no TRUNCATE. Table names are package constants, but quote
		// them anyway.
		if _, err := e.dbtx.ExecContext(ctx, `DELETE FROM "`+strings.ReplaceAll(tableName, `"`, `""`)+`"`); err != nil {
			return interpretError(err)
		}
	}
	return nil
}

func (e *Executor) queryJob(ctx context.Context, query string, args ...any) (*dqtype.JobRow, error) {
	return scanJob(e.dbtx.QueryRowContext(ctx, query, args...))
}

func (e *Executor) queryJobs(ctx context.Context, query string, args ...any) ([]*dqtype.JobRow, error) {
	rows, err := e.dbtx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, interpretError(err)
	}
	defer rows.Close()

	var jobs []*dqtype.JobRow
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
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

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*dqtype.JobRow, error) {
	var (
		createdAt string
		failedAt  *string
		handler   string
		job       dqtype.JobRow
		lockedAt  *string
		runAt     string
	)

	if err := row.Scan(
		&job.ID,
		&job.Attempts,
		&createdAt,
		&failedAt,
		&handler,
		&job.LastError,
		&lockedAt,
		&job.LockedBy,
		&job.Priority,
		&job.ReoccurIn,
		&runAt,
	); err != nil {
		return nil, interpretError(err)
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.FailedAt, err = parseTimeNullable(failedAt); err != nil {
		return nil, err
	}
	if job.LockedAt, err = parseTimeNullable(lockedAt); err != nil {
		return nil, err
	}
	if job.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	job.Handler = []byte(handler)

	return &job, nil
}

func scanMigration(row scanner) (*dqdriver.Migration, error) {
	var (
		createdAt string
		migration dqdriver.Migration
	)
	if err := row.Scan(&migration.Version, &createdAt); err != nil {
		return nil, interpretError(err)
	}

	var err error
	if migration.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &migration, nil
}

func interpretError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return dqtype.ErrNotFound
	}
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %w", dqdriver.ErrSchemaMissing, err)
	}
	return err
}

func nowOrDefault(now *time.Time) time.Time {
	if now != nil {
		return *now
	}
	return time.Now()
}

// SQLite times are strings. Every time must be written in exactly this fixed
// width UTC format or comparisons between them silently misbehave.
const sqliteTimeFormat = "2006-01-02 15:04:05.000000"

func timeString(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func timeStringNullable(t *time.Time) *string {
	if t == nil {
		return nil
	}

	str := timeString(*t)
	return &str
}

func parseTime(str string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeFormat, str, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing stored time %q: %w", str, err)
	}
	return t, nil
}

func parseTimeNullable(str *string) (*time.Time, error) {
	if str == nil {
		return nil, nil //nolint:nilnil
	}

	t, err := parseTime(*str)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
