package index

import (
	"sourcerer/internal/scanner"
	"sourcerer/internal/store"
)

// Diff partitions the current scan against the stored file records.
type Diff struct {
	// Added are present on disk but not in the store.
	Added []scanner.FileStat
	// Changed are present in both with differing fingerprints, plus files
	// whose previous indexing attempt failed, so they get retried.
	Changed []scanner.FileStat
	// Removed are stored paths no longer present on disk.
	Removed []string
	// Unchanged counts files needing no work; re-running a diff on an
	// untouched tree performs zero chunk or embedding operations.
	Unchanged int
}

// ComputeDiff compares by path and fingerprint.
func ComputeDiff(current []scanner.FileStat, stored []store.FileRecord) Diff {
	recorded := make(map[string]store.FileRecord, len(stored))
	for _, f := range stored {
		recorded[f.Path] = f
	}

	var d Diff
	seen := make(map[string]bool, len(current))
	for _, fs := range current {
		seen[fs.Path] = true
		rec, ok := recorded[fs.Path]
		switch {
		case !ok:
			d.Added = append(d.Added, fs)
		case rec.Fingerprint != fs.Fingerprint || rec.Status == store.FileFailed:
			d.Changed = append(d.Changed, fs)
		default:
			d.Unchanged++
		}
	}
	for _, f := range stored {
		if !seen[f.Path] {
			d.Removed = append(d.Removed, f.Path)
		}
	}
	return d
}
