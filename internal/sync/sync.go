package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/sickboy/six-rsync/internal/checksum"
	"github.com/sickboy/six-rsync/internal/config"
	"github.com/sickboy/six-rsync/internal/rsync"
)

// forceFlag makes the mirror tool ignore size and time when picking files
const forceFlag = "-I"

// Options tunes engine behaviour
type Options struct {
	// Protected turns every transfer into a dry run
	Protected bool
	// Force transfers even when the manifests agree
	Force bool
	// Sink receives transfer output as it is produced
	Sink io.Writer
	// PickHost selects the transfer host. Uniformly random when nil.
	PickHost func(hosts []string) string
}

// Engine drives the lifecycle of one repository
type Engine struct {
	layout Layout
	runner rsync.Runner
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new sync engine. A nil logger discards all output.
func NewEngine(layout Layout, runner rsync.Runner, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PickHost == nil {
		opts.PickHost = randomHost
	}
	return &Engine{
		layout: layout,
		runner: runner,
		logger: logger,
		opts:   opts,
	}
}

// Layout returns the layout the engine currently operates on
func (e *Engine) Layout() Layout {
	return e.layout
}

func (e *Engine) fs() billy.Filesystem {
	return osfs.New(e.layout.WorkingDirectory)
}

// Init creates the metadata directory with the default config
func (e *Engine) Init() error {
	return e.initWith(config.Default())
}

func (e *Engine) initWith(cfg *config.RepositoryConfig) error {
	if e.layout.WorkingDirectory == "" {
		e.logger.Error("no working directory given")
		return fmt.Errorf("working directory is required")
	}

	metaDir := filepath.Join(e.layout.WorkingDirectory, config.MetadataDir)

	if _, err := os.Stat(metaDir); err == nil {
		e.logger.Error("seems to already be an rsync repository, aborting", "path", metaDir)
		return fmt.Errorf("%w: repository %s", ErrAlreadyExists, metaDir)
	}
	if _, err := os.Stat(e.layout.WorkingDirectory); err == nil {
		e.logger.Error("seems to already be a folder, aborting", "path", e.layout.WorkingDirectory)
		return fmt.Errorf("%w: directory %s", ErrAlreadyExists, e.layout.WorkingDirectory)
	}

	if err := os.MkdirAll(metaDir, 0755); err != nil {
		e.logger.Error("failed to create metadata directory", "path", metaDir, "error", err)
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	if err := config.NewStore(e.fs()).Save(cfg); err != nil {
		e.logger.Error("failed to write config", "error", err)
		return err
	}

	e.logger.Info("initialized repository", "path", e.layout.WorkingDirectory, "hosts", len(cfg.Hosts))
	return nil
}

// Clone creates a working tree called name, records hosts and performs the
// first transfer. It never returns an error; failures are carried in the
// result. A failed transfer removes the new working tree.
func (e *Engine) Clone(ctx context.Context, hosts []string, name string, opts CloneOptions) *CloneResult {
	dir := name
	if opts.Path != "" {
		dir = filepath.Join(opts.Path, name)
	}
	e.layout = Layout{WorkingDirectory: dir}

	result := &CloneResult{Stage: StageInit}
	if opts.Bare {
		result.Repository = e.layout.RepositoryPath()
	} else {
		result.WorkingDirectory = dir
	}

	cfg := config.Default()
	cfg.AddHosts(hosts...)

	if err := e.initWith(cfg); err != nil {
		e.logger.Error("unable to initialize", "path", dir, "error", err)
		result.Err = err
		return result
	}

	var extra []string
	if opts.Force {
		extra = append(extra, forceFlag)
	}

	result.Stage = StageSync
	if _, err := e.Update(ctx, "", extra); err != nil {
		e.logger.Error("unable to successfully update, aborting", "path", dir, "error", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Error("failed to remove partial working tree", "path", dir, "error", rmErr)
		}
		result.Err = err
		return result
	}

	result.Stage = StageDone
	return result
}

// Update compares the working tree against the published manifests of a
// configured host and mirrors the host when they disagree, when there is no
// baseline, or when forced.
func (e *Engine) Update(ctx context.Context, verb string, extra []string) (*UpdateResult, error) {
	fs := e.fs()

	host, err := e.selectHost(fs)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{Host: host}

	report, err := e.compare(ctx, fs, host)
	switch {
	case errors.Is(err, checksum.ErrNoBaseline):
		e.logger.Info("no checksum baseline, full transfer required", "host", host)
	case err != nil:
		e.logger.Error("failed to compare checksums", "host", host, "error", err)
		return nil, err
	default:
		result.Report = report
	}

	force := e.opts.Force || slices.Contains(extra, forceFlag)
	if report != nil && !report.Diverged() && !force {
		e.logger.Info("working tree in sync", "host", host)
		return result, nil
	}

	if report != nil {
		e.logger.Info("working tree diverged",
			"host", host,
			"working_tree", len(report.WorkingTree.Mismatches)+len(report.WorkingTree.RemoteOnly),
			"packed", len(report.Packed.Mismatches)+len(report.Packed.RemoteOnly),
			"force", force)
	}

	target, err := filepath.Abs(e.layout.WorkingDirectory)
	if err != nil {
		e.logger.Error("failed to resolve working directory", "path", e.layout.WorkingDirectory, "error", err)
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	opts := append(rsync.DefaultOptions(e.opts.Protected), extra...)
	cmd := rsync.Build(verb, opts, host, target)

	e.logger.Info("mirroring", "host", host, "dest", target, "dry_run", e.opts.Protected)
	out, err := e.runner.Execute(ctx, cmd, e.layout.WorkingDirectory, e.opts.Sink)
	if err != nil {
		e.logger.Error("transfer failed", "host", host, "error", err)
		return nil, fmt.Errorf("transfer from %s failed: %w", host, err)
	}
	result.Transferred = true
	result.Output = out

	set, err := checksum.Snapshot(fs)
	if err != nil {
		e.logger.Error("failed to snapshot after transfer", "error", err)
		return nil, err
	}
	if err := checksum.Persist(fs, set); err != nil {
		e.logger.Error("failed to persist manifests after transfer", "error", err)
		return nil, err
	}

	e.logger.Info("update completed", "host", host, "files", len(set.WorkingTree), "packed", len(set.Packed))
	return result, nil
}

// Status reports how the working tree compares to a host's published
// manifests without transferring anything
func (e *Engine) Status(ctx context.Context) (*checksum.DivergenceReport, error) {
	fs := e.fs()

	host, err := e.selectHost(fs)
	if err != nil {
		return nil, err
	}

	report, err := e.compare(ctx, fs, host)
	if errors.Is(err, checksum.ErrNoBaseline) {
		e.logger.Error("no checksum baseline", "host", host, "error", err)
	} else if err != nil {
		e.logger.Error("failed to compare checksums", "host", host, "error", err)
	}
	return report, err
}

// selectHost loads the config and picks the host for this operation
func (e *Engine) selectHost(fs billy.Filesystem) (string, error) {
	cfg, err := config.NewStore(fs).Load()
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			e.logger.Error("not an rsync repository", "path", e.layout.WorkingDirectory)
			return "", fmt.Errorf("%w: %s", ErrNotARepository, e.layout.WorkingDirectory)
		}
		e.logger.Error("failed to load config", "error", err)
		return "", err
	}

	if len(cfg.Hosts) == 0 {
		e.logger.Error("no hosts configured", "path", e.layout.WorkingDirectory)
		return "", ErrNoHostsConfigured
	}

	return e.opts.PickHost(cfg.Hosts), nil
}

// compare snapshots the tree, persists the manifests, fetches the host's
// published manifests and compares the two sides
func (e *Engine) compare(ctx context.Context, fs billy.Filesystem, host string) (*checksum.DivergenceReport, error) {
	set, err := checksum.Snapshot(fs)
	if err != nil {
		e.logger.Error("failed to snapshot working tree", "error", err)
		return nil, err
	}
	if err := checksum.Persist(fs, set); err != nil {
		e.logger.Error("failed to persist manifests", "error", err)
		return nil, err
	}

	if err := e.fetchCounterpart(ctx, fs, host); err != nil {
		e.logger.Warn("failed to fetch published manifests", "host", host, "error", err)
		return nil, fmt.Errorf("%w: %v", checksum.ErrNoBaseline, err)
	}

	return checksum.Compare(fs, checksum.LocalPaths(), checksum.CounterpartPaths())
}

// fetchCounterpart copies the host's published manifests into the
// metadata directory. Stale copies are removed first so a failed fetch
// cannot be mistaken for a baseline.
func (e *Engine) fetchCounterpart(ctx context.Context, fs billy.Filesystem, host string) error {
	published := checksum.PublishedPaths()
	counterpart := checksum.CounterpartPaths()

	for _, pair := range [][2]string{
		{published.WorkingTree, counterpart.WorkingTree},
		{published.Packed, counterpart.Packed},
	} {
		if err := fs.Remove(pair[1]); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := fs.MkdirAll(filepath.Dir(pair[1]), 0755); err != nil {
			return err
		}

		dest, err := filepath.Abs(filepath.Join(fs.Root(), filepath.FromSlash(pair[1])))
		if err != nil {
			return err
		}
		cmd := rsync.Build("", []string{"--times"}, joinHost(host, pair[0]), dest)
		if _, err := e.runner.Execute(ctx, cmd, e.layout.WorkingDirectory, nil); err != nil {
			return err
		}
	}
	return nil
}

// joinHost appends a tree-relative path to a host location
func joinHost(host, rel string) string {
	if strings.HasSuffix(host, "/") || strings.HasSuffix(host, "::") {
		return host + rel
	}
	return host + "/" + rel
}

func randomHost(hosts []string) string {
	return hosts[rand.IntN(len(hosts))]
}
