// Package dqpgsql contains the SQL and row scanning shared by the Postgres
// drivers, which differ only in the database package they send it through.
package dqpgsql

import (
	"embed"
	"time"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
)

//go:embed migration/*.sql
var MigrationFS embed.FS

const jobColumns = `id, attempts, created_at, failed_at, handler, last_error, locked_at, locked_by, priority, reoccur_in, run_at`

const JobClearLocks = `
UPDATE delayq_job
SET locked_at = NULL,
    locked_by = NULL
WHERE locked_by = $1::text`

const JobCount = `SELECT count(*) FROM delayq_job`

const JobDelete = `
DELETE FROM delayq_job
WHERE id = $1::bigint
    AND ($2::text IS NULL OR locked_by = $2::text)
RETURNING ` + jobColumns

// Lock staleness is measured against the same "now" that run_at is compared
// to, which is the database's clock unless a time is given explicitly.
const JobFindAvailable = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE run_at <= coalesce($1::timestamptz, now())
    AND failed_at IS NULL
    AND ($2::integer IS NULL OR priority >= $2::integer)
    AND ($3::integer IS NULL OR priority <= $3::integer)
    AND (
        locked_by IS NULL
        OR locked_at < coalesce($1::timestamptz, now()) - make_interval(secs => $4::float8)
    )
ORDER BY priority ASC, run_at ASC, id ASC
LIMIT $5::integer`

const JobGetByID = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE id = $1::bigint`

const JobInsert = `
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
    $1::integer,
    coalesce($2::timestamptz, now()),
    $3::timestamptz,
    $4::text,
    $5::text,
    $6::timestamptz,
    $7::text,
    $8::integer,
    $9::text,
    coalesce($10::timestamptz, $2::timestamptz, now())
)
RETURNING ` + jobColumns

const JobList = `
SELECT ` + jobColumns + `
FROM delayq_job
WHERE (NOT $1::boolean OR failed_at IS NOT NULL)
ORDER BY id ASC
LIMIT $2::integer`

// A single conditional update is the whole locking protocol. The holder may
// always refresh its own lock, anyone may take an unlocked or stale one, and
// a zero row result means somebody else holds a live lock.
const JobLock = `
UPDATE delayq_job
SET locked_at = coalesce($2::timestamptz, now()),
    locked_by = $3::text
WHERE id = $1::bigint
    AND (
        locked_by = $3::text
        OR locked_by IS NULL
        OR locked_at < coalesce($2::timestamptz, now()) - make_interval(secs => $4::float8)
    )
    AND (
        NOT $5::boolean
        OR (failed_at IS NULL AND run_at <= coalesce($2::timestamptz, now()))
    )
RETURNING ` + jobColumns

const JobUpdate = `
UPDATE delayq_job
SET attempts = CASE WHEN $2::boolean THEN $3::integer ELSE attempts END,
    failed_at = CASE WHEN $4::boolean THEN $5::timestamptz ELSE failed_at END,
    last_error = CASE WHEN $6::boolean THEN $7::text ELSE last_error END,
    run_at = CASE WHEN $8::boolean THEN $9::timestamptz ELSE run_at END,
    locked_at = CASE WHEN $10::boolean THEN NULL ELSE locked_at END,
    locked_by = CASE WHEN $10::boolean THEN NULL ELSE locked_by END
WHERE id = $1::bigint
    AND ($11::text IS NULL OR locked_by = $11::text)
RETURNING ` + jobColumns

const MigrationDeleteByVersion = `DELETE FROM delayq_migration WHERE version = $1::bigint`

const MigrationGetAll = `
SELECT version, created_at
FROM delayq_migration
ORDER BY version ASC`

const MigrationInsert = `
INSERT INTO delayq_migration (version)
VALUES ($1::bigint)
RETURNING version, created_at`

const TableExists = `SELECT to_regclass($1::text) IS NOT NULL`

// Scanner is implemented by single rows and row sets of both pgx and
// database/sql.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanJob scans a row selected with the standard job column list.
func ScanJob(row Scanner) (*dqtype.JobRow, error) {
	var (
		handler string
		job     dqtype.JobRow
	)

	if err := row.Scan(
		&job.ID,
		&job.Attempts,
		&job.CreatedAt,
		&job.FailedAt,
		&handler,
		&job.LastError,
		&job.LockedAt,
		&job.LockedBy,
		&job.Priority,
		&job.ReoccurIn,
		&job.RunAt,
	); err != nil {
		return nil, err
	}

	job.CreatedAt = job.CreatedAt.UTC()
	job.FailedAt = utcOrNil(job.FailedAt)
	job.Handler = []byte(handler)
	job.LockedAt = utcOrNil(job.LockedAt)
	job.RunAt = job.RunAt.UTC()

	return &job, nil
}

// JobInsertArgs returns positional arguments for JobInsert.
func JobInsertArgs(params *dqdriver.JobInsertParams) []any {
	return []any{
		params.Attempts,
		params.Now,
		params.FailedAt,
		string(params.Handler),
		params.LastError,
		params.LockedAt,
		params.LockedBy,
		params.Priority,
		params.ReoccurIn,
		params.RunAt,
	}
}

// JobUpdateArgs returns positional arguments for JobUpdate.
func JobUpdateArgs(params *dqdriver.JobUpdateParams) []any {
	return []any{
		params.ID,
		params.AttemptsDoUpdate,
		params.Attempts,
		params.FailedAtDoUpdate,
		params.FailedAt,
		params.LastErrorDoUpdate,
		params.LastError,
		params.RunAtDoUpdate,
		params.RunAt,
		params.Unlock,
		params.LockedBy,
	}
}

// JobFindAvailableArgs returns positional arguments for JobFindAvailable.
func JobFindAvailableArgs(params *dqdriver.JobFindAvailableParams) []any {
	return []any{
		params.Now,
		params.MinPriority,
		params.MaxPriority,
		params.MaxLockAge.Seconds(),
		params.Max,
	}
}

// JobDeleteArgs returns positional arguments for JobDelete.
func JobDeleteArgs(params *dqdriver.JobDeleteParams) []any {
	return []any{params.ID, params.LockedBy}
}

// JobLockArgs returns positional arguments for JobLock.
func JobLockArgs(params *dqdriver.JobLockParams) []any {
	return []any{
		params.ID,
		params.Now,
		params.LockedBy,
		params.MaxLockAge.Seconds(),
		params.Runnable,
	}
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
