package sync

import (
	"errors"
	"path/filepath"

	"github.com/sickboy/six-rsync/internal/checksum"
	"github.com/sickboy/six-rsync/internal/config"
)

var (
	// ErrAlreadyExists is returned by init when the target is already a
	// repository or an existing directory
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotARepository is returned when the working tree has no config
	ErrNotARepository = errors.New("not an rsync repository")

	// ErrNoHostsConfigured is returned when the config lists no hosts
	ErrNoHostsConfigured = errors.New("no hosts configured")
)

// Layout locates a repository on disk
type Layout struct {
	// Repository is the metadata directory. Derived from WorkingDirectory
	// when empty.
	Repository string
	// WorkingDirectory is the synchronized tree
	WorkingDirectory string
}

// RepositoryPath returns the metadata directory of the layout
func (l Layout) RepositoryPath() string {
	if l.Repository != "" {
		return l.Repository
	}
	return filepath.Join(l.WorkingDirectory, config.MetadataDir)
}

// Stage identifies how far a clone got
type Stage int

const (
	StageInit Stage = iota // creating metadata
	StageSync              // first transfer
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageSync:
		return "sync"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// CloneOptions configures a clone
type CloneOptions struct {
	// Path is the parent directory of the new working tree
	Path string
	// Bare reports the metadata directory instead of the working tree
	Bare bool
	// Force passes -I so every file is transferred regardless of size and time
	Force bool
}

// CloneResult is the outcome of a clone. Exactly one of Repository and
// WorkingDirectory is set.
type CloneResult struct {
	Repository       string
	WorkingDirectory string
	// Stage is StageDone on success, otherwise the stage that failed
	Stage Stage
	Err   error
}

// Path returns whichever path the result carries
func (r *CloneResult) Path() string {
	if r.Repository != "" {
		return r.Repository
	}
	return r.WorkingDirectory
}

// Failed reports whether the clone did not complete
func (r *CloneResult) Failed() bool {
	return r.Err != nil
}

// UpdateResult is the outcome of an update
type UpdateResult struct {
	Host string
	// Report is nil when there was no checksum baseline to compare against
	Report      *checksum.DivergenceReport
	Transferred bool
	Output      string
}
