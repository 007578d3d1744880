package checksum

import (
	"sort"

	"github.com/go-git/go-billy/v5"
)

// NamespaceReport is the comparison result of one namespace
type NamespaceReport struct {
	InSync bool
	// Mismatches lists local paths missing remotely or with a different hash
	Mismatches []string
	// RemoteOnly lists paths present only in the remote manifest
	RemoteOnly []string
}

// DivergenceReport is the comparison result of both namespaces
type DivergenceReport struct {
	WorkingTree NamespaceReport
	Packed      NamespaceReport
}

// Diverged reports whether any namespace is out of sync
func (r *DivergenceReport) Diverged() bool {
	return !r.WorkingTree.InSync || !r.Packed.InSync
}

// Compare reads the local and remote manifests from disk and compares each
// namespace. A missing file on either side yields ErrNoBaseline.
func Compare(fs billy.Filesystem, local, remote Paths) (*DivergenceReport, error) {
	wd, err := compareFiles(fs, local.WorkingTree, remote.WorkingTree)
	if err != nil {
		return nil, err
	}
	packed, err := compareFiles(fs, local.Packed, remote.Packed)
	if err != nil {
		return nil, err
	}
	return &DivergenceReport{WorkingTree: *wd, Packed: *packed}, nil
}

func compareFiles(fs billy.Filesystem, localName, remoteName string) (*NamespaceReport, error) {
	local, localData, err := readManifest(fs, localName)
	if err != nil {
		return nil, err
	}
	remote, remoteData, err := readManifest(fs, remoteName)
	if err != nil {
		return nil, err
	}

	if Fingerprint(localData) == Fingerprint(remoteData) {
		return &NamespaceReport{InSync: true}, nil
	}

	report := CompareManifests(local, remote)
	return &report, nil
}

// CompareManifests diffs two in-memory manifests
func CompareManifests(local, remote Manifest) NamespaceReport {
	var report NamespaceReport

	for path, sum := range local {
		if remoteSum, ok := remote[path]; !ok || remoteSum != sum {
			report.Mismatches = append(report.Mismatches, path)
		}
	}
	for path := range remote {
		if _, ok := local[path]; !ok {
			report.RemoteOnly = append(report.RemoteOnly, path)
		}
	}

	sort.Strings(report.Mismatches)
	sort.Strings(report.RemoteOnly)
	report.InSync = len(report.Mismatches) == 0 && len(report.RemoteOnly) == 0
	return report
}
