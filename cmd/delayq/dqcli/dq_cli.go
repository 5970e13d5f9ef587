// Package dqcli provides an implementation for the delayq CLI.
//
// This package is for internal use and doesn't provide the same API
// guarantees as the main delayq package.
package dqcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqmigrate"
	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/util/ptrutil"
)

// CLI provides the command set for the delayq CLI.
type CLI struct {
	out io.Writer
}

// NewCLI returns a CLI that writes command output to out, or to stdout if out
// is nil.
func NewCLI(out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{out: out}
}

// BaseCommandSet returns the root delayq command with all subcommands added.
func (c *CLI) BaseCommandSet() *cobra.Command {
	var rootOpts struct {
		Debug   bool
		Verbose bool
	}
	rootCmd := &cobra.Command{
		Use:   "delayq",
		Short: "Provides command line facilities for the delayq job queue",
		Long: strings.TrimSpace(`
Provides command line facilities for the delayq job queue: running schema
migrations, inspecting jobs, and releasing locks left behind by workers that
went away.
		`),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Usage()
		},
		SilenceUsage: true,
	}
	rootCmd.SetOut(c.out)
	rootCmd.PersistentFlags().BoolVar(&rootOpts.Debug, "debug", false, "output maximum logging verbosity (debug level)")
	rootCmd.PersistentFlags().BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "output additional logging verbosity (info level)")
	rootCmd.MarkFlagsMutuallyExclusive("debug", "verbose")

	makeLogger := func() *slog.Logger {
		switch {
		case rootOpts.Debug:
			return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))
		case rootOpts.Verbose:
			return slog.New(tint.NewHandler(os.Stderr, nil))
		default:
			return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
		}
	}

	makeCommandBundle := func(databaseURL string) *RunCommandBundle {
		return &RunCommandBundle{
			DatabaseURL: databaseURL,
			Logger:      makeLogger(),
			OutStd:      c.out,
		}
	}

	mustMarkFlagRequired := func(cmd *cobra.Command, name string) {
		// Only fails on a flag name typo.
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	addDatabaseURLFlag := func(cmd *cobra.Command, databaseURL *string) {
		cmd.Flags().StringVar(databaseURL, "database-url", "", "URL of the database (should look like `postgres://...` or `sqlite://path`)")
		mustMarkFlagRequired(cmd, "database-url")
	}

	// clear-locks
	{
		var opts clearLocksOpts

		cmd := &cobra.Command{
			Use:   "clear-locks",
			Short: "Release the job locks held by a worker",
			Long: strings.TrimSpace(`
Release every job lock held by the worker named with --worker-name. Use it after
a worker process has died without shutting down cleanly so its jobs become
available again without waiting for their locks to go stale.
	`),
			RunE: func(cmd *cobra.Command, args []string) error {
				return RunCommand(cmd.Context(), makeCommandBundle(opts.DatabaseURL), &clearLocks{}, &opts)
			},
		}
		addDatabaseURLFlag(cmd, &opts.DatabaseURL)
		cmd.Flags().StringVar(&opts.WorkerName, "worker-name", "", "name of the worker whose locks should be released")
		mustMarkFlagRequired(cmd, "worker-name")
		rootCmd.AddCommand(cmd)
	}

	// list
	{
		var opts listOpts

		cmd := &cobra.Command{
			Use:   "list",
			Short: "List jobs",
			Long: strings.TrimSpace(`
List jobs in ID order along with their payload type, priority, attempts, and
lock state. Use --failed to see only jobs that have exhausted their attempts.
	`),
			RunE: func(cmd *cobra.Command, args []string) error {
				return RunCommand(cmd.Context(), makeCommandBundle(opts.DatabaseURL), &list{}, &opts)
			},
		}
		addDatabaseURLFlag(cmd, &opts.DatabaseURL)
		cmd.Flags().BoolVar(&opts.Failed, "failed", false, "list only failed jobs")
		cmd.Flags().IntVar(&opts.Max, "max", 100, "maximum number of jobs to list")
		rootCmd.AddCommand(cmd)
	}

	// migrate-down and migrate-up share a set of options.
	addMigrateFlags := func(cmd *cobra.Command, opts *migrateOpts) {
		addDatabaseURLFlag(cmd, &opts.DatabaseURL)
		cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 0, "maximum number of steps to migrate")
		cmd.Flags().IntVar(&opts.TargetVersion, "target-version", 0, "target version to migrate to (final state includes this version, but none after it)")
	}

	// migrate-down
	{
		var opts migrateOpts

		cmd := &cobra.Command{
			Use:   "migrate-down",
			Short: "Run delayq schema down migrations",
			Long: strings.TrimSpace(`
Run down migrations to reverse delayq's database schema changes.

Defaults to running a single down migration. This behavior can be changed with
--max-steps or --target-version.
	`),
			RunE: func(cmd *cobra.Command, args []string) error {
				return RunCommand(cmd.Context(), makeCommandBundle(opts.DatabaseURL), &migrateDown{}, &opts)
			},
		}
		addMigrateFlags(cmd, &opts)
		rootCmd.AddCommand(cmd)
	}

	// migrate-list
	{
		var opts migrateListOpts

		cmd := &cobra.Command{
			Use:   "migrate-list",
			Short: "List delayq schema migrations",
			Long: strings.TrimSpace(`
List every known migration, marking the most recent one applied to the database
with an asterisk.
	`),
			RunE: func(cmd *cobra.Command, args []string) error {
				return RunCommand(cmd.Context(), makeCommandBundle(opts.DatabaseURL), &migrateList{}, &opts)
			},
		}
		addDatabaseURLFlag(cmd, &opts.DatabaseURL)
		rootCmd.AddCommand(cmd)
	}

	// migrate-up
	{
		var opts migrateOpts

		cmd := &cobra.Command{
			Use:   "migrate-up",
			Short: "Run delayq schema up migrations",
			Long: strings.TrimSpace(`
Run up migrations to raise the database schema necessary to run delayq.

Defaults to running all up migrations that aren't yet run. This behavior can be
restricted with --max-steps or --target-version.
	`),
			RunE: func(cmd *cobra.Command, args []string) error {
				return RunCommand(cmd.Context(), makeCommandBundle(opts.DatabaseURL), &migrateUp{}, &opts)
			},
		}
		addMigrateFlags(cmd, &opts)
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}

// Execute runs the delayq CLI with the given arguments.
func (c *CLI) Execute(ctx context.Context, args []string) error {
	rootCmd := c.BaseCommandSet()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

type clearLocksOpts struct {
	DatabaseURL string
	WorkerName  string
}

func (o *clearLocksOpts) Validate() error {
	if o.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}
	if o.WorkerName == "" {
		return errors.New("worker name cannot be empty")
	}

	return nil
}

type clearLocks struct {
	CommandBase
}

func (c *clearLocks) Run(ctx context.Context, opts *clearLocksOpts) error {
	numUnlocked, err := c.DriverProcurer.GetExecutor().JobClearLocks(ctx, &dqdriver.JobClearLocksParams{LockedBy: opts.WorkerName})
	if err != nil {
		return err
	}

	c.Logger.InfoContext(ctx, "Cleared locks", slog.String("worker_name", opts.WorkerName), slog.Int("num_unlocked", numUnlocked))
	fmt.Fprintf(c.Out, "released %d lock(s) held by %q\n", numUnlocked, opts.WorkerName)

	return nil
}

type listOpts struct {
	DatabaseURL string
	Failed      bool
	Max         int
}

func (o *listOpts) Validate() error {
	if o.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}
	if o.Max < 1 {
		return errors.New("max must be greater than zero")
	}

	return nil
}

type list struct {
	CommandBase
}

func (c *list) Run(ctx context.Context, opts *listOpts) error {
	jobs, err := c.DriverProcurer.GetExecutor().JobList(ctx, &dqdriver.JobListParams{FailedOnly: opts.Failed, Max: opts.Max})
	if err != nil {
		return err
	}

	if len(jobs) < 1 {
		fmt.Fprintf(c.Out, "no jobs\n")
		return nil
	}

	writer := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ID\tTYPE\tPRIORITY\tATTEMPTS\tRUN AT\tSTATE\tLAST ERROR\n")
	for _, job := range jobs {
		fmt.Fprintf(writer, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			job.ID,
			jobTypeName(job),
			job.Priority,
			job.Attempts,
			job.RunAt.UTC().Format(time.RFC3339),
			jobState(job),
			lastErrorSummary(job),
		)
	}
	return writer.Flush()
}

// Reads the payload type out of a job's envelope without needing the
// registry that encoded it.
func jobTypeName(job *dqtype.JobRow) string {
	if typeName := gjson.GetBytes(job.Handler, "type"); typeName.Exists() {
		return typeName.String()
	}
	return "-"
}

func jobState(job *dqtype.JobRow) string {
	switch {
	case job.FailedAt != nil:
		return "failed"
	case job.LockedBy != nil:
		return "locked by " + *job.LockedBy
	case job.ReoccurIn != nil:
		return "recurring " + *job.ReoccurIn
	default:
		return "pending"
	}
}

func lastErrorSummary(job *dqtype.JobRow) string {
	line, _, _ := strings.Cut(ptrutil.ValOrDefault(job.LastError, ""), "\n")
	if line == "" {
		return "-"
	}
	return line
}

type migrateOpts struct {
	DatabaseURL   string
	MaxSteps      int
	TargetVersion int
}

func (o *migrateOpts) Validate() error {
	if o.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}

	return nil
}

type migrateDown struct {
	CommandBase
}

func (c *migrateDown) Run(ctx context.Context, opts *migrateOpts) error {
	res, err := c.DriverProcurer.GetMigrator(&dqmigrate.Config{Logger: c.Logger}).Migrate(ctx, dqmigrate.DirectionDown, &dqmigrate.MigrateOpts{
		MaxSteps:      opts.MaxSteps,
		TargetVersion: opts.TargetVersion,
	})
	if err != nil {
		return err
	}

	migratePrintResult(c.Out, opts, res)
	return nil
}

type migrateUp struct {
	CommandBase
}

func (c *migrateUp) Run(ctx context.Context, opts *migrateOpts) error {
	res, err := c.DriverProcurer.GetMigrator(&dqmigrate.Config{Logger: c.Logger}).Migrate(ctx, dqmigrate.DirectionUp, &dqmigrate.MigrateOpts{
		MaxSteps:      opts.MaxSteps,
		TargetVersion: opts.TargetVersion,
	})
	if err != nil {
		return err
	}

	migratePrintResult(c.Out, opts, res)
	return nil
}

func migratePrintResult(out io.Writer, opts *migrateOpts, res *dqmigrate.MigrateResult) {
	if len(res.Versions) < 1 {
		fmt.Fprintf(out, "no migrations to apply\n")
		return
	}

	versionWithLongestName := slices.MaxFunc(res.Versions,
		func(v1, v2 dqmigrate.MigrateVersion) int { return len(v1.Name) - len(v2.Name) })

	for _, migrateVersion := range res.Versions {
		fmt.Fprintf(out, "applied migration %03d [%s] %-*s\n", migrateVersion.Version, res.Direction, len(versionWithLongestName.Name), migrateVersion.Name)
	}

	// Only prints if more steps than available were requested.
	if opts.MaxSteps > 0 && len(res.Versions) < opts.MaxSteps {
		fmt.Fprintf(out, "no more migrations to apply\n")
	}
}

type migrateListOpts struct {
	DatabaseURL string
}

func (o *migrateListOpts) Validate() error {
	if o.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}

	return nil
}

type migrateList struct {
	CommandBase
}

func (c *migrateList) Run(ctx context.Context, opts *migrateListOpts) error {
	migrator := c.DriverProcurer.GetMigrator(&dqmigrate.Config{Logger: c.Logger})

	existingVersions, err := migrator.ExistingVersions(ctx)
	if err != nil {
		return err
	}

	var maxExistingVersion int
	if len(existingVersions) > 0 {
		maxExistingVersion = existingVersions[len(existingVersions)-1].Version
	}

	for _, version := range migrator.AllVersions() {
		var currentVersionPrefix string
		switch {
		case version.Version == maxExistingVersion:
			currentVersionPrefix = "* "
		case maxExistingVersion > 0:
			currentVersionPrefix = "  "
		}

		fmt.Fprintf(c.Out, "%s%03d %s\n", currentVersionPrefix, version.Version, version.Name)
	}

	return nil
}
