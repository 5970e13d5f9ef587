// Package dqtest contains helpers shared by the test suites of every package
// in the module: database pools, a logger, a stubbable clock, and a TestMain
// wrapper that checks for goroutine leaks.
package dqtest

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/slogtest"
)

// BaseServiceArchetype returns a new archetype suitable for use in tests with
// a test logger and a stubbable clock.
func BaseServiceArchetype(tb testing.TB) *baseservice.Archetype {
	tb.Helper()

	return &baseservice.Archetype{
		Logger: Logger(tb),
		Time:   &TimeStub{},
	}
}

// DBPoolSQLite opens a fresh SQLite database in a temporary directory. Each
// call gets its own file so that tests using it can run in parallel without
// sharing state.
func DBPoolSQLite(ctx context.Context, tb testing.TB) *sql.DB {
	tb.Helper()

	// WAL journaling avoids most "database is locked (SQLITE_BUSY)" errors
	// under concurrent access.
	dbPool, err := sql.Open("sqlite", "file:"+filepath.Join(tb.TempDir(), "delayq.sqlite3")+"?_pragma=journal_mode(WAL)")
	require.NoError(tb, err)
	tb.Cleanup(func() { require.NoError(tb, dbPool.Close()) })

	// SQLite can only handle one write at a time and errors immediately if
	// another is in flight, so have the pool serialize access instead.
	dbPool.SetMaxOpenConns(1)

	require.NoError(tb, dbPool.PingContext(ctx))

	return dbPool
}

// TestDatabaseURL returns `TEST_DATABASE_URL`, or an empty string if it's not
// set, in which case tests against Postgres are skipped.
func TestDatabaseURL() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// DBPoolPgx returns a pgx pool connected to TEST_DATABASE_URL, skipping the
// test if it's not configured. The pool is closed on test cleanup.
func DBPoolPgx(ctx context.Context, tb testing.TB) *pgxpool.Pool {
	tb.Helper()

	databaseURL := TestDatabaseURL()
	if databaseURL == "" {
		tb.Skip("TEST_DATABASE_URL not set; skipping Postgres test")
	}

	dbPool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(tb, err)
	tb.Cleanup(dbPool.Close)

	return dbPool
}

// DBPoolDatabaseSQL returns a database/sql pool for TEST_DATABASE_URL opened
// with the given driver name (e.g. "postgres" for lib/pq), skipping the test
// if the URL isn't configured.
func DBPoolDatabaseSQL(ctx context.Context, tb testing.TB, driverName string) *sql.DB {
	tb.Helper()

	databaseURL := TestDatabaseURL()
	if databaseURL == "" {
		tb.Skip("TEST_DATABASE_URL not set; skipping Postgres test")
	}

	dbPool, err := sql.Open(driverName, databaseURL)
	require.NoError(tb, err)
	tb.Cleanup(func() { require.NoError(tb, dbPool.Close()) })

	require.NoError(tb, dbPool.PingContext(ctx))

	return dbPool
}

// Logger returns a logger suitable for use in tests. Debug verbosity is
// activated with `DELAYQ_DEBUG=true`.
func Logger(tb testing.TB) *slog.Logger {
	tb.Helper()

	if debug := os.Getenv("DELAYQ_DEBUG"); debug == "1" || debug == "true" {
		return slogtest.NewLogger(tb, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	return slogtest.NewLogger(tb, nil)
}

// TimeStub implements baseservice.TimeGeneratorWithStub to allow time to be
// stubbed in tests.
type TimeStub struct {
	mu     sync.RWMutex
	nowUTC *time.Time
}

func (t *TimeStub) NowUTC() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.nowUTC == nil {
		return time.Now().UTC()
	}

	return *t.nowUTC
}

func (t *TimeStub) NowUTCOrNil() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nowUTC
}

func (t *TimeStub) StubNowUTC(nowUTC time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nowUTC = &nowUTC
	return nowUTC
}

// WaitTimeout returns a duration broadly appropriate for waiting on an
// expected event in a test. It allows extra leeway in CI.
func WaitTimeout() time.Duration {
	return cmp.Or(durationFromEnv("DELAYQ_TEST_WAIT_TIMEOUT"), 3*time.Second)
}

func durationFromEnv(name string) time.Duration {
	duration, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return 0
	}
	return duration
}

var IgnoredKnownGoroutineLeaks = []goleak.Option{ //nolint:gochecknoglobals
	// pgxpool's health check may be sitting in an uninterruptible sleep when
	// the test suite finishes.
	goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
	goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),

	goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"),
}

// WrapTestMain runs a package's tests and then checks for goroutine leaks on
// an otherwise successful run.
func WrapTestMain(m *testing.M) {
	status := m.Run()

	if status == 0 {
		if err := goleak.Find(IgnoredKnownGoroutineLeaks...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: Errors on successful test run: %v\n", err)
			status = 1
		}
	}

	os.Exit(status)
}
