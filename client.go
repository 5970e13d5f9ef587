package delayq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/util/ptrutil"
	"github.com/delayq/delayq/internal/util/valutil"
)

const (
	BatchSizeDefault         = 5
	MaxAttemptsDefault       = 25
	MaxLockAgeDefault        = 4 * time.Hour
	PollIntervalDefault      = 5 * time.Second
	WorkOffNumDefault        = 100
	WorkerConcurrencyDefault = 1

	tracerName = "github.com/delayq/delayq"
)

// Config is the configuration for a Client.
type Config struct {
	// BatchSize is the number of candidate jobs read from the database each
	// time a worker looks for a job to lock. Candidates that turn out to be
	// locked by another worker are skipped in favor of the next one.
	//
	// Defaults to 5.
	BatchSize int

	// DestroyFailedJobs causes jobs that run out of attempts to be deleted
	// instead of being kept with failed_at set.
	DestroyFailedJobs bool

	// ErrorHandler is invoked when a job errors or panics. It may fail the
	// job immediately instead of letting it retry.
	ErrorHandler ErrorHandler

	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger

	// MaxAttempts is the number of failed attempts after which a job is no
	// longer retried.
	//
	// Defaults to 25.
	MaxAttempts int

	// MaxLockAge is the age after which a lock is considered stale. A job
	// locked longer ago than this (usually because its worker crashed) may be
	// locked by another worker. It should be longer than any job is expected
	// to run.
	//
	// Defaults to 4 hours.
	MaxLockAge time.Duration

	// MaxPriority limits workers to jobs with priority of at most this value.
	// Nil means no upper bound.
	MaxPriority *int

	// MinPriority limits workers to jobs with priority of at least this
	// value. Nil means no lower bound.
	MinPriority *int

	// PollInterval is how long Run waits after finding no jobs before
	// looking again.
	//
	// Defaults to 5 seconds.
	PollInterval time.Duration

	// RecurrenceLocation is the location in which calendar recurrence rules
	// like RecurLastOfMonth and cron expressions are evaluated.
	//
	// Defaults to UTC.
	RecurrenceLocation *time.Location

	// Registry holds the job types (and bound methods) this client can
	// encode and perform. Required.
	Registry *Registry

	// RetryPolicy is a configurable retry policy for the client.
	//
	// Defaults to DefaultClientRetryPolicy.
	RetryPolicy ClientRetryPolicy

	// Test holds configuration specific to test environments.
	Test TestConfig

	// TracerProvider provides the tracer used to wrap each job's Perform in a
	// span.
	//
	// Defaults to the global provider from otel.GetTracerProvider.
	TracerProvider trace.TracerProvider

	// WorkerConcurrency is the number of worker loops Run starts. Each loop
	// is a separate worker identity named "<WorkerName>/<n>". With a single
	// loop, WorkerName is used as is.
	//
	// Defaults to 1.
	WorkerConcurrency int

	// WorkerName identifies this worker in the locked_by column of jobs it
	// holds. It must be unique among concurrently running workers.
	//
	// Defaults to a name based on the host's name and the process' ID.
	WorkerName string
}

// TestConfig contains configuration specific to test environments.
type TestConfig struct {
	// Time is a time generator to make time stubbable in tests.
	Time dqtype.TimeGenerator
}

func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return errors.New("BatchSize must be greater than zero")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be greater than zero")
	}
	if c.MaxLockAge < time.Second {
		return errors.New("MaxLockAge must be at least one second")
	}
	if c.MaxPriority != nil && c.MinPriority != nil && *c.MinPriority > *c.MaxPriority {
		return fmt.Errorf("MinPriority (%d) must not be greater than MaxPriority (%d)", *c.MinPriority, *c.MaxPriority)
	}
	if c.PollInterval < time.Millisecond {
		return errors.New("PollInterval must be at least one millisecond")
	}
	if c.Registry == nil {
		return errors.New("Registry must be set (try delayq.NewRegistry)")
	}
	if c.WorkerConcurrency < 1 {
		return errors.New("WorkerConcurrency must be greater than zero")
	}
	if len(c.WorkerName) > 255 {
		return errors.New("WorkerName cannot be longer than 255 characters")
	}

	return nil
}

// Client is a single isolated instance of delayq. It's used to enqueue jobs
// and to work them, either one batch at a time with WorkOff or continuously
// with Run. Jobs are persisted through a driver and can be worked by any
// client connected to the same database.
type Client[TTx any] struct {
	baseService baseservice.BaseService
	config      *Config
	driver      dqdriver.Driver[TTx]
	executor    *jobExecutor
}

// NewClient creates a new Client with the given database driver and
// configuration.
//
// Drivers are available for Pgx v5 (package dqpgxv5), database/sql with
// lib/pq (package dqdatabasesql), and SQLite (package dqsqlite).
//
// The function takes a generic parameter TTx representing a transaction type,
// but it can be omitted because it'll generally always be inferred from the
// driver. For example:
//
//	import "github.com/delayq/delayq"
//	import "github.com/delayq/delayq/dqdriver/dqpgxv5"
//
//	...
//
//	dbPool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	if err != nil {
//		// handle error
//	}
//	defer dbPool.Close()
//
//	registry := delayq.NewRegistry()
//	delayq.Register[*SendEmailJob](registry)
//
//	client, err := delayq.NewClient(dqpgxv5.New(dbPool), &delayq.Config{
//		Registry: registry,
//	})
//	if err != nil {
//		// handle error
//	}
func NewClient[TTx any](driver dqdriver.Driver[TTx], config *Config) (*Client[TTx], error) {
	if driver == nil {
		return nil, errMissingDriver
	}
	if config == nil {
		return nil, errMissingConfig
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}

	retryPolicy := config.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = &DefaultClientRetryPolicy{}
	}

	tracerProvider := config.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	config = &Config{
		BatchSize:          valutil.ValOrDefault(config.BatchSize, BatchSizeDefault),
		DestroyFailedJobs:  config.DestroyFailedJobs,
		ErrorHandler:       config.ErrorHandler,
		Logger:             logger,
		MaxAttempts:        valutil.ValOrDefault(config.MaxAttempts, MaxAttemptsDefault),
		MaxLockAge:         valutil.ValOrDefault(config.MaxLockAge, MaxLockAgeDefault),
		MaxPriority:        config.MaxPriority,
		MinPriority:        config.MinPriority,
		PollInterval:       valutil.ValOrDefault(config.PollInterval, PollIntervalDefault),
		RecurrenceLocation: valutil.ValOrDefault(config.RecurrenceLocation, time.UTC),
		Registry:           config.Registry,
		RetryPolicy:        retryPolicy,
		Test:               config.Test,
		TracerProvider:     tracerProvider,
		WorkerConcurrency:  valutil.ValOrDefault(config.WorkerConcurrency, WorkerConcurrencyDefault),
		WorkerName:         valutil.ValOrDefaultFunc(config.WorkerName, defaultWorkerName),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	archetype := baseservice.NewArchetype(config.Logger)
	if config.Test.Time != nil {
		if withStub, ok := config.Test.Time.(baseservice.TimeGeneratorWithStub); ok {
			archetype.Time = withStub
		} else {
			archetype.Time = &baseservice.TimeGeneratorWithStubWrapper{TimeGenerator: config.Test.Time}
		}
	}

	client := &Client[TTx]{
		config: config,
		driver: driver,
		executor: baseservice.Init(archetype, &jobExecutor{
			config: &jobExecutorConfig{
				DestroyFailedJobs:  config.DestroyFailedJobs,
				ErrorHandler:       config.ErrorHandler,
				MaxAttempts:        config.MaxAttempts,
				RecurrenceLocation: config.RecurrenceLocation,
				Registry:           config.Registry,
				RetryPolicy:        config.RetryPolicy,
			},
			tracer: tracerProvider.Tracer(tracerName),
		}),
	}

	baseservice.Init(archetype, &client.baseService)
	client.baseService.Name = "Client" // Have to correct the name because base service isn't embedded like it usually is

	return client, nil
}

// A name like "host:worker-1 pid:1234".
func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return "host:" + hostname + " pid:" + strconv.Itoa(os.Getpid())
}

// Driver exposes the underlying driver used by the client.
//
// API is not stable. DO NOT USE.
func (c *Client[TTx]) Driver() dqdriver.Driver[TTx] {
	return c.driver
}

// Registry returns the client's registry.
func (c *Client[TTx]) Registry() *Registry {
	return c.config.Registry
}

// Enqueue persists a new job for unit, which must be of a registered type.
// It's eligible to run immediately unless opts.RunAt is set.
//
//	job, err := client.Enqueue(ctx, &SendEmailJob{To: "user@example.com"}, nil)
//	if err != nil {
//		// handle error
//	}
func (c *Client[TTx]) Enqueue(ctx context.Context, unit dqtype.Performer, opts *EnqueueOpts) (*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	return c.enqueue(ctx, c.driver.GetExecutor(), unit, opts)
}

// EnqueueTx is the same as Enqueue, but the job is inserted in the given
// transaction so that it's only visible to workers once the transaction
// commits. This is useful for enqueueing a job atomically with other
// database changes it depends on.
func (c *Client[TTx]) EnqueueTx(ctx context.Context, tx TTx, unit dqtype.Performer, opts *EnqueueOpts) (*dqtype.JobRow, error) {
	return c.enqueue(ctx, c.driver.UnwrapExecutor(tx), unit, opts)
}

func (c *Client[TTx]) enqueue(ctx context.Context, exec dqdriver.Executor, unit dqtype.Performer, opts *EnqueueOpts) (*dqtype.JobRow, error) {
	if opts == nil {
		opts = &EnqueueOpts{}
	}

	return c.insert(ctx, exec, unit, opts.Priority, opts.RunAt, nil)
}

// Schedule persists a new recurring job for unit. After each successful run
// it's rescheduled according to opts rather than deleted. A failed run is
// retried like any other job.
//
//	job, err := client.Schedule(ctx, &MonthlyReportJob{}, &delayq.ScheduleOpts{
//		Rule: delayq.RecurLastOfMonth,
//	})
func (c *Client[TTx]) Schedule(ctx context.Context, unit dqtype.Performer, opts *ScheduleOpts) (*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	return c.schedule(ctx, c.driver.GetExecutor(), unit, opts)
}

// ScheduleTx is the same as Schedule, but inserts the job in the given
// transaction.
func (c *Client[TTx]) ScheduleTx(ctx context.Context, tx TTx, unit dqtype.Performer, opts *ScheduleOpts) (*dqtype.JobRow, error) {
	return c.schedule(ctx, c.driver.UnwrapExecutor(tx), unit, opts)
}

func (c *Client[TTx]) schedule(ctx context.Context, exec dqdriver.Executor, unit dqtype.Performer, opts *ScheduleOpts) (*dqtype.JobRow, error) {
	if opts == nil {
		return nil, &ArgumentError{Message: "schedule options must not be nil"}
	}

	reoccurIn, err := opts.reoccurIn()
	if err != nil {
		return nil, err
	}

	return c.insert(ctx, exec, unit, opts.Priority, opts.RunAt, &reoccurIn)
}

// SendLater enqueues a MethodCall invoking method on receiver with args. The
// method must be bound in the registry of whatever process works the job.
//
//	job, err := client.SendLater(ctx, delayq.InstanceReceiver("Story", "42"), "Publish")
func (c *Client[TTx]) SendLater(ctx context.Context, receiver MethodReceiver, method string, args ...any) (*dqtype.JobRow, error) {
	call, err := NewMethodCall(receiver, method, args...)
	if err != nil {
		return nil, err
	}

	return c.Enqueue(ctx, call, nil)
}

// SendLaterTx is the same as SendLater, but inserts the job in tx so that
// it's only visible once tx commits.
func (c *Client[TTx]) SendLaterTx(ctx context.Context, tx TTx, receiver MethodReceiver, method string, args ...any) (*dqtype.JobRow, error) {
	call, err := NewMethodCall(receiver, method, args...)
	if err != nil {
		return nil, err
	}

	return c.EnqueueTx(ctx, tx, call, nil)
}

func (c *Client[TTx]) insert(ctx context.Context, exec dqdriver.Executor, unit dqtype.Performer, priority int, runAt time.Time, reoccurIn *string) (*dqtype.JobRow, error) {
	handler, err := c.config.Registry.Encode(unit)
	if err != nil {
		return nil, err
	}

	params := &dqdriver.JobInsertParams{
		Handler:   handler,
		Now:       c.baseService.Time.NowUTCOrNil(),
		Priority:  priority,
		ReoccurIn: reoccurIn,
	}
	if !runAt.IsZero() {
		params.RunAt = ptrutil.Ptr(runAt.UTC())
	}

	job, err := exec.JobInsert(ctx, params)
	if err != nil {
		return nil, err
	}

	c.baseService.Logger.DebugContext(ctx, c.baseService.Name+": Job enqueued",
		slog.Int64("job_id", job.ID),
		slog.String("name", c.config.Registry.Name(unit)),
		slog.Time("run_at", job.RunAt),
	)

	return job, nil
}

// WorkOff runs up to num available jobs in the current goroutine under the
// client's WorkerName and returns how many succeeded and failed. It returns
// early once no more jobs are available. num defaults to 100 when zero or
// negative.
func (c *Client[TTx]) WorkOff(ctx context.Context, num int) (*WorkOffResult, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	if num < 1 {
		num = WorkOffNumDefault
	}

	return c.newWorker(c.config.WorkerName).WorkOff(withClient(ctx, c), num)
}

// Run starts WorkerConcurrency worker loops and blocks working jobs until ctx
// is cancelled. Each loop releases its locks before Run returns. Jobs running
// at cancellation see their context cancelled, but have their outcome
// recorded regardless.
//
// A nil error is returned on a clean shutdown.
func (c *Client[TTx]) Run(ctx context.Context) error {
	if !c.driver.PoolIsSet() {
		return errMissingDatabasePool
	}

	errGroup, ctx := errgroup.WithContext(withClient(ctx, c))

	for _, workerName := range c.workerNames() {
		worker := c.newWorker(workerName)
		errGroup.Go(func() error { return worker.Run(ctx) })
	}

	return errGroup.Wait()
}

func (c *Client[TTx]) newWorker(workerName string) *worker {
	return baseservice.Init(&c.executor.Archetype, &worker{
		config: &workerConfig{
			BatchSize:    c.config.BatchSize,
			MaxLockAge:   c.config.MaxLockAge,
			MaxPriority:  c.config.MaxPriority,
			MinPriority:  c.config.MinPriority,
			PollInterval: c.config.PollInterval,
			WorkerName:   workerName,
		},
		exec:     c.driver.GetExecutor(),
		executor: c.executor,
	})
}

// Worker identities used by this client's loops.
func (c *Client[TTx]) workerNames() []string {
	if c.config.WorkerConcurrency == 1 {
		return []string{c.config.WorkerName}
	}

	workerNames := make([]string, c.config.WorkerConcurrency)
	for i := range c.config.WorkerConcurrency {
		workerNames[i] = fmt.Sprintf("%s/%d", c.config.WorkerName, i+1)
	}
	return workerNames
}

// ClearLocks releases every lock held under the client's worker identities.
// It's meant to be run at startup after a crash so that jobs the previous
// process was working don't have to wait out MaxLockAge. Returns the number
// of jobs unlocked.
func (c *Client[TTx]) ClearLocks(ctx context.Context) (int, error) {
	if !c.driver.PoolIsSet() {
		return 0, errMissingDatabasePool
	}

	var numCleared int
	for _, workerName := range c.workerNames() {
		num, err := c.driver.GetExecutor().JobClearLocks(ctx, &dqdriver.JobClearLocksParams{LockedBy: workerName})
		if err != nil {
			return numCleared, err
		}
		numCleared += num
	}

	return numCleared, nil
}

// FindAvailable returns up to limit jobs eligible to be locked, in the order
// they'd be worked: by priority, then run_at, then ID. Jobs locked less than
// maxLockAge ago are excluded, as are failed jobs, jobs scheduled in the
// future, and jobs outside the client's priority bounds. Nothing is locked.
func (c *Client[TTx]) FindAvailable(ctx context.Context, limit int, maxLockAge time.Duration) ([]*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	return c.driver.GetExecutor().JobFindAvailable(ctx, &dqdriver.JobFindAvailableParams{
		Max:         limit,
		MaxLockAge:  maxLockAge,
		MaxPriority: c.config.MaxPriority,
		MinPriority: c.config.MinPriority,
		Now:         c.baseService.Time.NowUTCOrNil(),
	})
}

// LockExclusively locks job under workerName. It succeeds if the job is
// unlocked, its lock is older than maxLockAge, or it's already locked by
// workerName, and refreshes job in place from the locked row. Otherwise it
// returns a LockError and nothing changes.
func (c *Client[TTx]) LockExclusively(ctx context.Context, job *dqtype.JobRow, maxLockAge time.Duration, workerName string) error {
	if !c.driver.PoolIsSet() {
		return errMissingDatabasePool
	}

	return lockExclusively(ctx, c.driver.GetExecutor(), job, &lockOpts{
		MaxLockAge: maxLockAge,
		Now:        c.baseService.Time.NowUTCOrNil(),
		WorkerName: workerName,
	})
}

// Reschedule records a failed attempt for job with the given message and
// trace, exactly as if it had failed while being worked. The trace may be
// empty. Returns the updated job, or nil if the job ran out of attempts and
// DestroyFailedJobs is on.
func (c *Client[TTx]) Reschedule(ctx context.Context, job *dqtype.JobRow, message, trace string) (*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	if trace != "" {
		message += "\n" + trace
	}

	return c.executor.reschedule(ctx, c.driver.GetExecutor(), job, message, false, nil)
}

// JobGet fetches a single job by its ID. Returns ErrNotFound if it doesn't
// exist.
func (c *Client[TTx]) JobGet(ctx context.Context, id int64) (*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	return c.driver.GetExecutor().JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: id})
}

// JobGetTx is the same as JobGet, but runs in the given transaction.
func (c *Client[TTx]) JobGetTx(ctx context.Context, tx TTx, id int64) (*dqtype.JobRow, error) {
	return c.driver.UnwrapExecutor(tx).JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: id})
}

// JobDelete deletes a job by its ID, returning the deleted job. Returns
// ErrNotFound if it doesn't exist. A job that's currently being worked is
// deleted regardless and its worker's outcome is discarded.
func (c *Client[TTx]) JobDelete(ctx context.Context, id int64) (*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	return c.driver.GetExecutor().JobDelete(ctx, &dqdriver.JobDeleteParams{ID: id})
}

// JobList lists jobs in ID order. See JobListParams.
func (c *Client[TTx]) JobList(ctx context.Context, params *JobListParams) ([]*dqtype.JobRow, error) {
	if !c.driver.PoolIsSet() {
		return nil, errMissingDatabasePool
	}

	if params == nil {
		params = NewJobListParams()
	}

	return c.driver.GetExecutor().JobList(ctx, params.toDriverParams())
}

// JobCount returns the number of jobs in the database, including failed ones.
func (c *Client[TTx]) JobCount(ctx context.Context) (int, error) {
	if !c.driver.PoolIsSet() {
		return 0, errMissingDatabasePool
	}

	return c.driver.GetExecutor().JobCount(ctx)
}

// JobName returns the display name of a job's unit of work, like
// "SendEmailJob", "Story#Publish", or "Report.Generate". Returns a
// DeserializationError if the payload can't be loaded.
func (c *Client[TTx]) JobName(job *dqtype.JobRow) (string, error) {
	unit, err := c.JobPayload(job)
	if err != nil {
		return "", err
	}

	return c.config.Registry.Name(unit), nil
}

// JobPayload decodes a job's unit of work without running it.
func (c *Client[TTx]) JobPayload(job *dqtype.JobRow) (dqtype.Performer, error) {
	return c.config.Registry.Decode(job.Handler)
}
