package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataDir is the reserved directory under the working tree that
	// holds the repository config and the local manifests
	MetadataDir = ".rsync"

	// FileName is the config document inside MetadataDir
	FileName = "config.yml"
)

// ErrNotFound is returned by Load when no config document exists
var ErrNotFound = errors.New("repository config not found")

// RepositoryConfig is the persisted repository configuration
type RepositoryConfig struct {
	Hosts []string `yaml:"hosts"`
}

// Default returns the seed config written by init
func Default() *RepositoryConfig {
	return &RepositoryConfig{Hosts: []string{}}
}

// AddHosts appends hosts in order. Duplicates are kept.
func (c *RepositoryConfig) AddHosts(hosts ...string) {
	c.Hosts = append(c.Hosts, hosts...)
}

// Validate checks the configuration for errors
func (c *RepositoryConfig) Validate() error {
	for i, h := range c.Hosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("hosts[%d] is empty", i)
		}
	}
	return nil
}

// expandEnv expands environment variables in host entries. Daemon module
// hosts (host::module) are kept verbatim since "$" is valid in module paths.
func (c *RepositoryConfig) expandEnv() {
	for i, h := range c.Hosts {
		if strings.Contains(h, "::") {
			continue
		}
		c.Hosts[i] = os.ExpandEnv(h)
	}
}

// Store reads and writes the config document of one working tree
type Store struct {
	fs billy.Filesystem
}

// NewStore creates a store on a filesystem rooted at the working tree
func NewStore(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// Path returns the config document path relative to the working tree
func (s *Store) Path() string {
	return path.Join(MetadataDir, FileName)
}

// Load reads and parses the config document
func (s *Store) Load() (*RepositoryConfig, error) {
	data, err := util.ReadFile(s.fs, s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RepositoryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = []string{}
	}

	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save encodes cfg and replaces the config document atomically
func (s *Store) Save(cfg *RepositoryConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := WriteFileAtomic(s.fs, s.Path(), data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to name and renames it
// into place, so readers see either the old or the new content.
func WriteFileAtomic(fs billy.Filesystem, name string, data []byte) error {
	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := util.TempFile(fs, dir, ".six-rsync-tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return fs.Rename(tmpPath, name)
}
