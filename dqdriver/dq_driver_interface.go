// Package dqdriver exposes generic constructs to be implemented by specific
// drivers that wrap third party database packages, keeping the main delayq
// package decoupled from any particular one.
//
// The interfaces here are for use by delayq's internals and its bundled
// drivers. They should not be implemented or invoked by user code, and
// changes to them are not considered breaking.
package dqdriver

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/delayq/delayq/dqtype"
)

var (
	// ErrClosedPool is returned when an operation is attempted on a database
	// pool that's already been closed.
	ErrClosedPool = errors.New("underlying driver pool is closed")

	// ErrSchemaMissing is returned when the job table doesn't exist, which
	// usually means that migrations haven't been run.
	ErrSchemaMissing = errors.New("delayq schema is missing; run migrations first")
)

const (
	// TableJob is the name of the job table.
	TableJob = "delayq_job"

	// TableMigration is the name of the table tracking applied migrations.
	TableMigration = "delayq_migration"
)

// Driver provides a database driver for use with delayq.Client.
type Driver[TTx any] interface {
	// DatabaseName is the name of the database engine, like "postgres" or
	// "sqlite".
	DatabaseName() string

	// GetExecutor gets an executor for the driver's pool.
	//
	// API is not stable. DO NOT USE.
	GetExecutor() Executor

	// GetMigrationFS gets a filesystem containing the driver's migrations
	// under a `migration/` directory, named like `001_create_job.up.sql`.
	GetMigrationFS() fs.FS

	// PoolIsSet returns true if the driver is configured with a database
	// pool. Drivers may be initialized without one for use with only the
	// transactional variants of client operations.
	PoolIsSet() bool

	// UnwrapExecutor gets an executor from a driver transaction.
	//
	// API is not stable. DO NOT USE.
	UnwrapExecutor(tx TTx) ExecutorTx
}

// Executor provides database operations used by delayq. It may be backed by
// a pool or by a transaction.
//
// API is not stable. DO NOT USE.
type Executor interface {
	// Begin begins a new subtransaction. ErrSubTxNotSupported may be returned
	// if the executor is a transaction and the driver doesn't support
	// subtransactions.
	Begin(ctx context.Context) (ExecutorTx, error)

	// Exec executes raw SQL. Used for migrations.
	Exec(ctx context.Context, sql string, args ...any) error

	// JobClearLocks releases every lock held by the given worker, returning
	// the number of jobs unlocked.
	JobClearLocks(ctx context.Context, params *JobClearLocksParams) (int, error)

	// JobCount counts all jobs, including failed ones.
	JobCount(ctx context.Context) (int, error)

	// JobDelete deletes a job by ID, returning the deleted row or
	// dqtype.ErrNotFound.
	JobDelete(ctx context.Context, params *JobDeleteParams) (*dqtype.JobRow, error)

	// JobFindAvailable selects jobs eligible to be locked in dequeue order
	// (priority, run_at, id). It doesn't modify anything.
	JobFindAvailable(ctx context.Context, params *JobFindAvailableParams) ([]*dqtype.JobRow, error)

	// JobGetByID gets a job by ID, returning dqtype.ErrNotFound if it doesn't
	// exist.
	JobGetByID(ctx context.Context, params *JobGetByIDParams) (*dqtype.JobRow, error)

	// JobInsert inserts a job.
	JobInsert(ctx context.Context, params *JobInsertParams) (*dqtype.JobRow, error)

	// JobList lists jobs in ID order.
	JobList(ctx context.Context, params *JobListParams) ([]*dqtype.JobRow, error)

	// JobLock atomically locks a job for a worker if the job is unlocked, its
	// lock is older than MaxLockAge, or it's already locked by the same
	// worker. Returns dqtype.ErrNotFound if no row satisfied the condition.
	JobLock(ctx context.Context, params *JobLockParams) (*dqtype.JobRow, error)

	// JobUpdate updates the fields of a job that have their DoUpdate flag
	// set, returning the updated row or dqtype.ErrNotFound.
	JobUpdate(ctx context.Context, params *JobUpdateParams) (*dqtype.JobRow, error)

	MigrationDeleteByVersion(ctx context.Context, version int) error
	MigrationGetAll(ctx context.Context) ([]*Migration, error)
	MigrationInsert(ctx context.Context, version int) (*Migration, error)

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, tableName string) (bool, error)

	// TableTruncate empties the given tables. Used in tests.
	TableTruncate(ctx context.Context, tableNames ...string) error
}

// ExecutorTx is an executor which is a transaction. In addition to standard
// Executor operations, it may be committed or rolled back.
//
// API is not stable. DO NOT USE.
type ExecutorTx interface {
	Executor

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction.
	Rollback(ctx context.Context) error
}

// ErrSubTxNotSupported is returned by Begin on a transaction executor for
// drivers that can't nest transactions.
var ErrSubTxNotSupported = errors.New("subtransactions not supported for this driver")

type JobClearLocksParams struct {
	LockedBy string
}

type JobDeleteParams struct {
	ID int64

	// LockedBy, when set, only deletes the job if it's still locked by this
	// worker. A job whose lock was stolen comes back as ErrNotFound.
	LockedBy *string
}

type JobFindAvailableParams struct {
	Max int

	// MaxLockAge is how old a lock must be before it's considered stale and
	// the job is selectable again.
	MaxLockAge  time.Duration
	MaxPriority *int
	MinPriority *int

	// Now is the time to compare run_at against. Nil means the database's
	// current time.
	Now *time.Time
}

type JobGetByIDParams struct {
	ID int64
}

type JobInsertParams struct {
	Attempts  int
	FailedAt  *time.Time
	Handler   []byte
	LastError *string
	LockedAt  *time.Time
	LockedBy  *string
	Now       *time.Time
	Priority  int
	ReoccurIn *string

	// RunAt defaults to Now (or the database's current time) when nil.
	RunAt *time.Time
}

type JobListParams struct {
	// FailedOnly limits the list to jobs with failed_at set.
	FailedOnly bool
	Max        int
}

type JobLockParams struct {
	ID         int64
	LockedBy   string
	MaxLockAge time.Duration
	Now        *time.Time

	// Runnable additionally requires that the job is due and hasn't failed,
	// the same as JobFindAvailable. Workers set it so that a job changed by
	// someone else after being selected isn't run from an outdated row.
	Runnable bool
}

// JobUpdateParams updates only the fields whose DoUpdate flag is set.
type JobUpdateParams struct {
	ID                int64
	AttemptsDoUpdate  bool
	Attempts          int
	FailedAtDoUpdate  bool
	FailedAt          *time.Time
	LastErrorDoUpdate bool
	LastError         *string
	RunAtDoUpdate     bool
	RunAt             time.Time

	// Unlock clears both locked_at and locked_by.
	Unlock bool

	// LockedBy, when set, only updates the job if it's still locked by this
	// worker. A job whose lock was stolen comes back as ErrNotFound.
	LockedBy *string
}

// Migration represents a migration that's been applied to the database.
type Migration struct {
	// CreatedAt is when the migration was initially created.
	CreatedAt time.Time

	// Version is the version of the migration.
	Version int
}
