// Package checksum builds, persists and compares per-file content manifests
// for a working tree and its packed namespace.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"

	"github.com/sickboy/six-rsync/internal/config"
)

const (
	// PackDir is the root of the separately checksummed packed namespace
	PackDir = ".pack"

	// SumsFile is the remote-visible manifest name inside a synced tree
	SumsFile = ".sums.yml"

	// RemoteDir holds the manifests fetched from the peer, under MetadataDir
	RemoteDir = "remote"

	workingTreeFile = "sums_wd.yml"
	packedFile      = "sums_pack.yml"
)

// ErrNoBaseline is returned by Compare when a manifest on either side is missing
var ErrNoBaseline = errors.New("no checksum baseline")

// Manifest maps a slash-separated relative path to its hex sha256 digest
type Manifest map[string]string

// Keys returns the manifest paths in sorted order
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalYAML emits the manifest as a mapping with sorted keys
func (m Manifest) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range m.Keys() {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m[k]},
		)
	}
	return node, nil
}

// Encode serializes the manifest. Equal manifests encode to equal bytes.
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return yaml.Marshal(m)
}

// Decode parses a serialized manifest
func Decode(data []byte) (Manifest, error) {
	m := Manifest{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Fingerprint hashes a serialized manifest document
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Set holds the manifests of both namespaces
type Set struct {
	WorkingTree Manifest
	Packed      Manifest
}

// Paths locates the two manifest files of one side
type Paths struct {
	WorkingTree string
	Packed      string
}

// LocalPaths are the manifests this side keeps in its metadata directory
func LocalPaths() Paths {
	return Paths{
		WorkingTree: path.Join(config.MetadataDir, workingTreeFile),
		Packed:      path.Join(config.MetadataDir, packedFile),
	}
}

// PublishedPaths are the manifest copies written inside the synced tree
func PublishedPaths() Paths {
	return Paths{
		WorkingTree: SumsFile,
		Packed:      path.Join(PackDir, SumsFile),
	}
}

// CounterpartPaths are where the peer's published manifests are fetched to
func CounterpartPaths() Paths {
	return Paths{
		WorkingTree: path.Join(config.MetadataDir, RemoteDir, workingTreeFile),
		Packed:      path.Join(config.MetadataDir, RemoteDir, packedFile),
	}
}

// Snapshot hashes every regular file of the tree rooted at fs.
//
// The working-tree manifest skips the metadata directory, the packed
// namespace and its own published manifest. The packed manifest is keyed
// relative to PackDir, with one nested PackDir segment stripped if present.
func Snapshot(fs billy.Filesystem) (*Set, error) {
	wd, err := hashTree(fs, "", func(rel string, isDir bool) bool {
		if isDir {
			return rel == config.MetadataDir || rel == PackDir
		}
		return rel == SumsFile
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash working tree: %w", err)
	}

	raw, err := hashTree(fs, PackDir, func(rel string, isDir bool) bool {
		return !isDir && rel == path.Join(PackDir, SumsFile)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash packed namespace: %w", err)
	}

	// An outer path wins over a nested one that strips to the same key.
	packed := make(Manifest, len(raw))
	var nested []string
	for _, rel := range raw.Keys() {
		key := strings.TrimPrefix(rel, PackDir+"/")
		if strings.HasPrefix(key, PackDir+"/") {
			nested = append(nested, rel)
			continue
		}
		packed[key] = raw[rel]
	}
	for _, rel := range nested {
		key := strings.TrimPrefix(rel, PackDir+"/"+PackDir+"/")
		if _, ok := packed[key]; !ok {
			packed[key] = raw[rel]
		}
	}

	return &Set{WorkingTree: wd, Packed: packed}, nil
}

// hashTree walks root and hashes regular files, keyed by their path
// relative to the filesystem root. skip is consulted for every entry below
// root; a skipped directory is not descended into.
func hashTree(fs billy.Filesystem, root string, skip func(rel string, isDir bool) bool) (Manifest, error) {
	m := Manifest{}

	if root != "" {
		if _, err := fs.Lstat(root); err != nil {
			if os.IsNotExist(err) {
				return m, nil
			}
			return nil, err
		}
	}

	err := util.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel := filepath.ToSlash(p)
		if rel == "" || rel == root {
			return nil
		}

		if skip(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		sum, err := fileHash(fs, p)
		if err != nil {
			return fmt.Errorf("failed to compute hash for %s: %w", rel, err)
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(fs billy.Filesystem, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Persist writes the set to the local metadata manifests and to the
// published copies inside the tree
func Persist(fs billy.Filesystem, set *Set) error {
	for _, p := range []Paths{LocalPaths(), PublishedPaths()} {
		if err := Write(fs, p, set); err != nil {
			return err
		}
	}
	return nil
}

// Write stores both manifests of set at the given paths
func Write(fs billy.Filesystem, p Paths, set *Set) error {
	if err := writeManifest(fs, p.WorkingTree, set.WorkingTree); err != nil {
		return err
	}
	return writeManifest(fs, p.Packed, set.Packed)
}

func writeManifest(fs billy.Filesystem, name string, m Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest %s: %w", name, err)
	}
	if err := config.WriteFileAtomic(fs, name, data); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", name, err)
	}
	return nil
}

func readManifest(fs billy.Filesystem, name string) (Manifest, []byte, error) {
	data, err := util.ReadFile(fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoBaseline, name)
		}
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", name, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest %s: %w", name, err)
	}
	return m, data, nil
}
