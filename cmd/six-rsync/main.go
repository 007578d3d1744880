package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sickboy/six-rsync/internal/checksum"
	"github.com/sickboy/six-rsync/internal/rsync"
	"github.com/sickboy/six-rsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel   string
	logFormat  string
	rsyncPath  string
	timeout    time.Duration
	dryRun     bool
	forceFlag  bool
	clonePath  string
	cloneBare  bool
	updateVerb string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "six-rsync",
	Short: "Mirror directory trees with rsync and checksum manifests",
	Long: `six-rsync keeps a working tree in sync with one of several rsync hosts.

Every update hashes the working tree and its .pack namespace, compares the
result with the manifests the host publishes, and only runs a full rsync
mirror when the two sides disagree.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Create an empty repository with no hosts",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <name> <host> [host...]",
	Short: "Create a repository from one or more hosts and sync it",
	Long: `Clone creates the working tree <name> (below --path when given), records
the hosts in .rsync/config.yml and performs the first full sync.

If the first sync fails, the new working tree is removed again.

Environment variables in hosts ($VAR, ${VAR}) are expanded when the config
is loaded, except for daemon hosts written as host::module, which are used
verbatim.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runClone,
}

var updateCmd = &cobra.Command{
	Use:   "update <dir> [-- rsync flags...]",
	Short: "Re-check checksums and sync when the tree diverged",
	Long: `Update hashes the working tree, fetches the manifests published by a
randomly chosen host and mirrors that host when they differ.

Arguments after -- are passed to rsync unchanged.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpdate,
}

var statusCmd = &cobra.Command{
	Use:   "status <dir>",
	Short: "Compare checksums with a host without transferring",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("six-rsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&rsyncPath, "rsync", rsync.DefaultProgram, "rsync binary to run")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "abort rsync after this long (0 disables)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "pass --dry-run to every transfer")

	cloneCmd.Flags().StringVar(&clonePath, "path", "", "parent directory of the new working tree")
	cloneCmd.Flags().BoolVar(&cloneBare, "bare", false, "print the metadata directory instead of the working tree")
	cloneCmd.Flags().BoolVar(&forceFlag, "force", false, "transfer every file regardless of size and time")

	updateCmd.Flags().BoolVar(&forceFlag, "force", false, "transfer even when checksums agree")
	updateCmd.Flags().StringVar(&updateVerb, "verb", "", "rsync flag placed before the default options")

	// Add commands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	engine := newEngine(args[0], logger)

	if err := engine.Init(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), args[0])
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	logger := setupLogger()
	engine := newEngine("", logger)

	result := engine.Clone(ctx, args[1:], args[0], sync.CloneOptions{
		Path:  clonePath,
		Bare:  cloneBare,
		Force: forceFlag,
	})
	if result.Failed() {
		return fmt.Errorf("clone failed during %s: %w", result.Stage, result.Err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Path())
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	logger := setupLogger()
	engine := newEngine(args[0], logger)

	var extra []string
	if n := cmd.ArgsLenAtDash(); n >= 0 {
		extra = args[n:]
	}

	logger.Info("starting update", "path", args[0], "dry_run", dryRun)
	result, err := engine.Update(ctx, updateVerb, extra)
	if err != nil {
		logger.Error("update failed", "error", err)
		return err
	}

	if result.Transferred {
		fmt.Fprintf(cmd.OutOrStdout(), "synced from %s\n", result.Host)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "in sync with %s\n", result.Host)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	logger := setupLogger()
	engine := newEngine(args[0], logger)

	report, err := engine.Status(ctx)
	if err != nil {
		return err
	}

	printNamespace(cmd, "working tree", report.WorkingTree)
	printNamespace(cmd, "packed", report.Packed)
	return nil
}

func printNamespace(cmd *cobra.Command, name string, r checksum.NamespaceReport) {
	out := cmd.OutOrStdout()
	if r.InSync {
		fmt.Fprintf(out, "%s: in sync\n", name)
		return
	}
	fmt.Fprintf(out, "%s: diverged\n", name)
	for _, p := range r.Mismatches {
		fmt.Fprintf(out, "  changed  %s\n", p)
	}
	for _, p := range r.RemoteOnly {
		fmt.Fprintf(out, "  remote   %s\n", p)
	}
}

func newEngine(dir string, logger *slog.Logger) *sync.Engine {
	runner := rsync.NewShellRunner(rsyncPath, logger)
	return sync.NewEngine(sync.Layout{WorkingDirectory: dir}, runner, logger, sync.Options{
		Protected: dryRun,
		Force:     forceFlag,
		Sink:      os.Stderr,
	})
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// setupContext returns a context cancelled on SIGINT/SIGTERM and, when
// --timeout is set, on the deadline
func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := setupSignalHandler()
	if timeout <= 0 {
		return ctx, cancel
	}

	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
