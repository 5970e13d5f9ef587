package dqcli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqdriver/dqpgxv5"
	"github.com/delayq/delayq/dqdriver/dqsqlite"
	"github.com/delayq/delayq/dqmigrate"
)

// Command is an interface to a delayq CLI subcommand. Commands implement Run
// and get everything else by embedding CommandBase.
type Command[TOpts CommandOpts] interface {
	Run(ctx context.Context, opts TOpts) error
	GetCommandBase() *CommandBase
	SetCommandBase(b *CommandBase)
}

// CommandBase provides common facilities for a delayq CLI command.
type CommandBase struct {
	DriverProcurer DriverProcurer
	Logger         *slog.Logger
	Out            io.Writer
}

func (b *CommandBase) GetCommandBase() *CommandBase     { return b }
func (b *CommandBase) SetCommandBase(base *CommandBase) { *b = *base }

// CommandOpts are options for a command. They validate themselves before a
// database connection is opened.
type CommandOpts interface {
	Validate() error
}

// RunCommandBundle is a bundle of utilities for RunCommand.
type RunCommandBundle struct {
	DatabaseURL string
	Logger      *slog.Logger
	OutStd      io.Writer
}

// RunCommand opens a database pool for the bundle's URL, procures a driver
// for it, and runs a delayq CLI subcommand.
func RunCommand[TOpts CommandOpts](ctx context.Context, bundle *RunCommandBundle, command Command[TOpts], opts TOpts) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	protocol, urlWithoutProtocol, ok := strings.Cut(bundle.DatabaseURL, "://")
	if !ok {
		return fmt.Errorf("expected database URL (`%s`) to be formatted like `postgres://...` or `sqlite://...`", bundle.DatabaseURL)
	}

	var driverProcurer DriverProcurer
	switch protocol {
	case "postgres", "postgresql":
		dbPool, err := openPgxV5DBPool(ctx, bundle.DatabaseURL)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		driverProcurer = &pgxV5DriverProcurer{driver: dqpgxv5.New(dbPool)}

	case "sqlite":
		dbPool, err := openSQLitePool(urlWithoutProtocol)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		driverProcurer = &sqliteDriverProcurer{driver: dqsqlite.New(dbPool)}

	default:
		return fmt.Errorf("unsupported database URL (`%s`); try one with a `postgres://`, `postgresql://`, or `sqlite://` scheme/prefix", bundle.DatabaseURL)
	}

	command.SetCommandBase(&CommandBase{
		DriverProcurer: driverProcurer,
		Logger:         bundle.Logger,
		Out:            bundle.OutStd,
	})

	return command.Run(ctx, opts)
}

// DriverProcurer hides the transaction type parameter of a driver so
// commands don't need to know which database they're talking to.
type DriverProcurer interface {
	GetExecutor() dqdriver.Executor
	GetMigrator(config *dqmigrate.Config) MigratorInterface
}

// MigratorInterface is a dqmigrate.Migrator stripped of its generic
// parameter.
type MigratorInterface interface {
	AllVersions() []dqmigrate.MigrateVersion
	ExistingVersions(ctx context.Context) ([]dqmigrate.MigrateVersion, error)
	Migrate(ctx context.Context, direction dqmigrate.Direction, opts *dqmigrate.MigrateOpts) (*dqmigrate.MigrateResult, error)
}

type pgxV5DriverProcurer struct {
	driver *dqpgxv5.Driver
}

func (p *pgxV5DriverProcurer) GetExecutor() dqdriver.Executor { return p.driver.GetExecutor() }

func (p *pgxV5DriverProcurer) GetMigrator(config *dqmigrate.Config) MigratorInterface {
	return dqmigrate.New(p.driver, config)
}

type sqliteDriverProcurer struct {
	driver *dqsqlite.Driver
}

func (p *sqliteDriverProcurer) GetExecutor() dqdriver.Executor { return p.driver.GetExecutor() }

func (p *sqliteDriverProcurer) GetMigrator(config *dqmigrate.Config) MigratorInterface {
	return dqmigrate.New(p.driver, config)
}

func openPgxV5DBPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	const (
		defaultIdleInTransactionSessionTimeout = 11 * time.Second // greater than statement timeout
		defaultStatementTimeout                = 10 * time.Second
	)

	pgxConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing database URL: %w", err)
	}

	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "application_name", "delayq CLI")
	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "idle_in_transaction_session_timeout", strconv.Itoa(int(defaultIdleInTransactionSessionTimeout.Milliseconds())))
	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "statement_timeout", strconv.Itoa(int(defaultStatementTimeout.Milliseconds())))

	dbPool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to Postgres database: %w", err)
	}

	return dbPool, nil
}

func openSQLitePool(path string) (*sql.DB, error) {
	dbPool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite database: %w", err)
	}

	// SQLite allows only one writer at a time.
	dbPool.SetMaxOpenConns(1)

	return dbPool, nil
}

// Sets a parameter in a Postgres connection's runtime parameters, but only if
// it wasn't already set.
func setParamIfUnset(runtimeParams map[string]string, name, val string) {
	if currentVal := runtimeParams[name]; currentVal != "" {
		return
	}

	runtimeParams[name] = val
}
