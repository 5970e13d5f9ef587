// Package dqmigrate provides a Go API for running delayq's schema migrations
// as an alternative to migrating via the bundled CLI.
package dqmigrate

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/util/dbutil"
)

// A bundled migration containing a version (1, 2, 3), and SQL for up and down
// directions.
type migrationBundle struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Config contains configuration for Migrator.
type Config struct {
	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger
}

// Migrator is a database migration tool for delayq which can run up or down
// migrations in order to establish the schema that the queue needs to run.
type Migrator[TTx any] struct {
	baseservice.BaseService

	driver     dqdriver.Driver[TTx]
	migrations map[int]*migrationBundle
}

// New returns a new migrator with the given database driver and configuration.
// The config parameter may be omitted as nil. Migrations are read from the
// driver, so each database gets SQL written for it:
//
//	dbPool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	if err != nil {
//		// handle error
//	}
//	defer dbPool.Close()
//
//	migrator := dqmigrate.New(dqpgxv5.New(dbPool), nil)
func New[TTx any](driver dqdriver.Driver[TTx], config *Config) *Migrator[TTx] {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}

	return baseservice.Init(baseservice.NewArchetype(logger), &Migrator[TTx]{
		driver:     driver,
		migrations: validateAndInit(mustMigrationsFromFS(driver.GetMigrationFS())),
	})
}

// MigrateOpts are options for a migrate operation.
type MigrateOpts struct {
	// MaxSteps is the maximum number of migrations to apply either up or down.
	// When migrating up, migrates an unlimited number of steps by default.
	// When migrating down, migrates only a single step by default (set
	// TargetVersion to -1 to apply unlimited steps down). Set to -1 to apply
	// no migrations.
	MaxSteps int

	// TargetVersion is a specific migration version to apply migrations to.
	// Up migrations are applied up to and including the target version. Down
	// migrations are applied down to but excluding it, so the schema is left
	// at the target version. When migrating down, -1 removes delayq's schema
	// completely.
	TargetVersion int
}

// MigrateResult is the result of a migrate operation.
type MigrateResult struct {
	// Direction is the direction that migration occurred (up or down).
	Direction Direction

	// Versions are migration versions that were added (for up migrations) or
	// removed (for down migrations) for this run.
	Versions []MigrateVersion
}

// MigrateVersion is the result for a single applied migration.
type MigrateVersion struct {
	// Name is a descriptive name of the migration, like `create_job`.
	Name string

	// Version is the version of the migration applied.
	Version int
}

type Direction string

const (
	DirectionDown Direction = "down"
	DirectionUp   Direction = "up"
)

// AllVersions returns every migration version known to the driver in
// ascending order.
func (m *Migrator[TTx]) AllVersions() []MigrateVersion {
	versions := make([]MigrateVersion, 0, len(m.migrations))
	for _, version := range slices.Sorted(maps.Keys(m.migrations)) {
		versions = append(versions, MigrateVersion{Name: m.migrations[version].Name, Version: version})
	}
	return versions
}

// ExistingVersions returns the migration versions applied to the database in
// ascending order. It returns an empty list if delayq's schema has never been
// migrated.
func (m *Migrator[TTx]) ExistingVersions(ctx context.Context) ([]MigrateVersion, error) {
	migrations, err := m.existingMigrations(ctx, m.driver.GetExecutor())
	if err != nil {
		return nil, err
	}

	versions := make([]MigrateVersion, 0, len(migrations))
	for _, migration := range migrations {
		var name string
		if bundle, ok := m.migrations[migration.Version]; ok {
			name = bundle.Name
		}
		versions = append(versions, MigrateVersion{Name: name, Version: migration.Version})
	}
	return versions, nil
}

// Migrate migrates the database in the given direction (up or down). The opts
// parameter may be omitted for convenience.
//
// By default, applies all outstanding migrations when moving up, but only
// one step when moving down.
//
//	res, err := migrator.Migrate(ctx, dqmigrate.DirectionUp, nil)
//	if err != nil {
//		// handle error
//	}
func (m *Migrator[TTx]) Migrate(ctx context.Context, direction Direction, opts *MigrateOpts) (*MigrateResult, error) {
	return dbutil.WithTxV(ctx, m.driver.GetExecutor(), func(ctx context.Context, tx dqdriver.ExecutorTx) (*MigrateResult, error) {
		return m.migrate(ctx, tx, direction, opts)
	})
}

// MigrateTx is the same as Migrate, but runs in a caller's transaction so
// that schema changes are committed or rolled back along with it.
func (m *Migrator[TTx]) MigrateTx(ctx context.Context, tx TTx, direction Direction, opts *MigrateOpts) (*MigrateResult, error) {
	return m.migrate(ctx, m.driver.UnwrapExecutor(tx), direction, opts)
}

func (m *Migrator[TTx]) migrate(ctx context.Context, exec dqdriver.Executor, direction Direction, opts *MigrateOpts) (*MigrateResult, error) {
	switch direction {
	case DirectionDown:
		return m.migrateDown(ctx, exec, direction, opts)
	case DirectionUp:
		return m.migrateUp(ctx, exec, direction, opts)
	}

	return nil, fmt.Errorf("invalid direction: %q", direction)
}

// migrateDown runs down migrations.
func (m *Migrator[TTx]) migrateDown(ctx context.Context, exec dqdriver.Executor, direction Direction, opts *MigrateOpts) (*MigrateResult, error) {
	existingMigrations, err := m.existingMigrations(ctx, exec)
	if err != nil {
		return nil, err
	}

	targetMigrations := make([]*migrationBundle, 0, len(existingMigrations))
	for _, migration := range existingMigrations {
		if bundle, ok := m.migrations[migration.Version]; ok {
			targetMigrations = append(targetMigrations, bundle)
		}
	}
	slices.SortFunc(targetMigrations, func(a, b *migrationBundle) int { return b.Version - a.Version }) // reverse order

	res, err := m.applyMigrations(ctx, exec, direction, opts, targetMigrations)
	if err != nil {
		return nil, err
	}

	for _, version := range res.Versions {
		// Version 1 drops the migration table itself, so there's nothing to
		// delete out of.
		if version.Version == 1 {
			continue
		}

		if err := exec.MigrationDeleteByVersion(ctx, version.Version); err != nil {
			return nil, fmt.Errorf("error deleting migration row for version %03d: %w", version.Version, err)
		}
	}

	return res, nil
}

// migrateUp runs up migrations.
func (m *Migrator[TTx]) migrateUp(ctx context.Context, exec dqdriver.Executor, direction Direction, opts *MigrateOpts) (*MigrateResult, error) {
	existingMigrations, err := m.existingMigrations(ctx, exec)
	if err != nil {
		return nil, err
	}

	targetMigrations := maps.Clone(m.migrations)
	for _, migrateRow := range existingMigrations {
		delete(targetMigrations, migrateRow.Version)
	}

	sortedTargetMigrations := slices.SortedFunc(maps.Values(targetMigrations),
		func(a, b *migrationBundle) int { return a.Version - b.Version })

	res, err := m.applyMigrations(ctx, exec, direction, opts, sortedTargetMigrations)
	if err != nil {
		return nil, err
	}

	for _, version := range res.Versions {
		if _, err := exec.MigrationInsert(ctx, version.Version); err != nil {
			return nil, fmt.Errorf("error inserting migration row for version %03d: %w", version.Version, err)
		}
	}

	return res, nil
}

// Common code shared between the up and down migration directions that walks
// through each target migration and applies it, logging appropriately.
func (m *Migrator[TTx]) applyMigrations(ctx context.Context, exec dqdriver.Executor, direction Direction, opts *MigrateOpts, sortedTargetMigrations []*migrationBundle) (*MigrateResult, error) {
	if opts == nil {
		opts = &MigrateOpts{}
	}

	var maxSteps int
	switch {
	case opts.MaxSteps != 0:
		maxSteps = opts.MaxSteps
	case direction == DirectionDown && opts.TargetVersion == 0:
		maxSteps = 1
	}

	switch {
	case maxSteps < 0:
		sortedTargetMigrations = []*migrationBundle{}
	case maxSteps > 0:
		sortedTargetMigrations = sortedTargetMigrations[0:min(maxSteps, len(sortedTargetMigrations))]
	}

	if opts.TargetVersion > 0 {
		if _, ok := m.migrations[opts.TargetVersion]; !ok {
			return nil, fmt.Errorf("version %d is not a valid delayq migration version", opts.TargetVersion)
		}

		targetIndex := slices.IndexFunc(sortedTargetMigrations, func(b *migrationBundle) bool { return b.Version == opts.TargetVersion })
		if targetIndex == -1 {
			return nil, fmt.Errorf("version %d is not in target list of valid migrations to apply", opts.TargetVersion)
		}

		// Migrations are sorted in the direction being migrated, so this
		// truncates the list at the target. Down migrations exclude the
		// target itself.
		sortedTargetMigrations = sortedTargetMigrations[0 : targetIndex+1]

		if direction == DirectionDown && len(sortedTargetMigrations) > 0 {
			sortedTargetMigrations = sortedTargetMigrations[0 : len(sortedTargetMigrations)-1]
		}
	}

	res := &MigrateResult{Direction: direction, Versions: make([]MigrateVersion, 0, len(sortedTargetMigrations))}

	if len(sortedTargetMigrations) < 1 {
		m.Logger.InfoContext(ctx, m.Name+": No migrations to apply")
		return res, nil
	}

	for _, versionBundle := range sortedTargetMigrations {
		sql := versionBundle.Up
		if direction == DirectionDown {
			sql = versionBundle.Down
		}

		m.Logger.InfoContext(ctx, fmt.Sprintf(m.Name+": Applying migration %03d [%s]", versionBundle.Version, strings.ToUpper(string(direction))),
			slog.String("direction", string(direction)),
			slog.String("name", versionBundle.Name),
			slog.Int("version", versionBundle.Version),
		)

		if err := exec.Exec(ctx, sql); err != nil {
			return nil, fmt.Errorf("error applying version %03d [%s]: %w",
				versionBundle.Version, strings.ToUpper(string(direction)), err)
		}

		res.Versions = append(res.Versions, MigrateVersion{Name: versionBundle.Name, Version: versionBundle.Version})
	}

	return res, nil
}

// Gets migrations that've already been run in the database, handling the
// case of the migration table not existing yet.
func (m *Migrator[TTx]) existingMigrations(ctx context.Context, exec dqdriver.Executor) ([]*dqdriver.Migration, error) {
	exists, err := exec.TableExists(ctx, dqdriver.TableMigration)
	if err != nil {
		return nil, fmt.Errorf("error checking if `%s` exists: %w", dqdriver.TableMigration, err)
	}
	if !exists {
		return nil, nil
	}

	migrations, err := exec.MigrationGetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting existing migrations: %w", err)
	}

	return migrations, nil
}

// Reads a series of migration bundles from the `migration/` directory of a
// file system, which will practically always be a driver's embedded FS.
func migrationsFromFS(migrationFS fs.FS) ([]*migrationBundle, error) {
	const subdir = "migration"

	var (
		bundles    []*migrationBundle
		lastBundle *migrationBundle
	)

	err := fs.WalkDir(migrationFS, subdir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error walking FS: %w", err)
		}

		if path == subdir {
			return nil
		}

		name := strings.TrimPrefix(path, subdir+"/")

		versionStr, rest, _ := strings.Cut(name, "_")

		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return fmt.Errorf("error parsing version %q: %w", versionStr, err)
		}

		// fs.WalkDir guarantees lexical order, so all 001* files appear
		// before all 002* files.
		if lastBundle == nil || lastBundle.Version != version {
			migrationName, _, _ := strings.Cut(rest, ".")
			lastBundle = &migrationBundle{Name: migrationName, Version: version}
			bundles = append(bundles, lastBundle)
		}

		file, err := migrationFS.Open(path)
		if err != nil {
			return fmt.Errorf("error opening file %q: %w", path, err)
		}
		defer file.Close()

		contents, err := io.ReadAll(file)
		if err != nil {
			return fmt.Errorf("error reading file %q: %w", path, err)
		}

		switch {
		case strings.HasSuffix(name, ".down.sql"):
			lastBundle.Down = string(contents)
		case strings.HasSuffix(name, ".up.sql"):
			lastBundle.Up = string(contents)
		default:
			return fmt.Errorf("file %q should end with either '.down.sql' or '.up.sql'", name)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return bundles, nil
}

// Same as the above, but for convenience, panics on an error.
func mustMigrationsFromFS(migrationFS fs.FS) []*migrationBundle {
	bundles, err := migrationsFromFS(migrationFS)
	if err != nil {
		panic(err)
	}
	return bundles
}

// Validates a set of migrations to catch problems like missing directions or
// duplicated version numbers as new migrations are introduced.
func validateAndInit(versions []*migrationBundle) map[int]*migrationBundle {
	lastVersion := 0
	migrations := make(map[int]*migrationBundle, len(versions))

	for _, versionBundle := range versions {
		if versionBundle.Down == "" {
			panic(fmt.Sprintf("version bundle should specify Down: %+v", versionBundle))
		}
		if versionBundle.Up == "" {
			panic(fmt.Sprintf("version bundle should specify Up: %+v", versionBundle))
		}
		if versionBundle.Version == 0 {
			panic(fmt.Sprintf("version bundle should specify Version: %+v", versionBundle))
		}

		if _, ok := migrations[versionBundle.Version]; ok {
			panic(fmt.Sprintf("duplicate version: %03d", versionBundle.Version))
		}
		if versionBundle.Version != lastVersion+1 {
			panic(fmt.Sprintf("versions should be ascending without gaps; current: %03d, last: %03d", versionBundle.Version, lastVersion))
		}

		lastVersion = versionBundle.Version
		migrations[versionBundle.Version] = versionBundle
	}

	return migrations
}
