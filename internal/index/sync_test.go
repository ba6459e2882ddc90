package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcerer/internal/scanner"
	"sourcerer/internal/store"
)

func statFor(path, fingerprint string) scanner.FileStat {
	return scanner.FileStat{Path: path, Size: 100, Fingerprint: fingerprint}
}

func recordFor(path, fingerprint string) store.FileRecord {
	return store.FileRecord{Path: path, Fingerprint: fingerprint, Status: store.FileOK}
}

func TestComputeDiff_SingleChangedFile(t *testing.T) {
	var current []scanner.FileStat
	var stored []store.FileRecord
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("pkg/file%d.go", i)
		fp := fmt.Sprintf("fp%d", i)
		current = append(current, statFor(path, fp))
		stored = append(stored, recordFor(path, fp))
	}
	current[3].Fingerprint = "fp3-modified"

	d := ComputeDiff(current, stored)

	require.Len(t, d.Changed, 1)
	assert.Equal(t, "pkg/file3.go", d.Changed[0].Path)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Equal(t, 9, d.Unchanged)
}

func TestComputeDiff_AddedAndRemoved(t *testing.T) {
	current := []scanner.FileStat{
		statFor("a.go", "fa"),
		statFor("new.go", "fn"),
	}
	stored := []store.FileRecord{
		recordFor("a.go", "fa"),
		recordFor("gone.go", "fg"),
	}

	d := ComputeDiff(current, stored)

	require.Len(t, d.Added, 1)
	assert.Equal(t, "new.go", d.Added[0].Path)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "gone.go", d.Removed[0])
	assert.Empty(t, d.Changed)
	assert.Equal(t, 1, d.Unchanged)
}

func TestComputeDiff_FailedFileRetried(t *testing.T) {
	current := []scanner.FileStat{statFor("broken.go", "fb")}
	stored := []store.FileRecord{{Path: "broken.go", Fingerprint: "fb", Status: store.FileFailed}}

	d := ComputeDiff(current, stored)

	// Same fingerprint, but the last attempt failed, so it runs again.
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "broken.go", d.Changed[0].Path)
	assert.Zero(t, d.Unchanged)
}

func TestComputeDiff_UntouchedTreeIsNoop(t *testing.T) {
	current := []scanner.FileStat{statFor("a.go", "fa"), statFor("b.go", "fb")}
	stored := []store.FileRecord{recordFor("a.go", "fa"), recordFor("b.go", "fb")}

	d := ComputeDiff(current, stored)

	assert.Empty(t, d.Added)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Removed)
	assert.Equal(t, 2, d.Unchanged)
}

func TestComputeDiff_EmptyStore(t *testing.T) {
	current := []scanner.FileStat{statFor("a.go", "fa")}

	d := ComputeDiff(current, nil)

	require.Len(t, d.Added, 1)
	assert.Empty(t, d.Removed)
}
