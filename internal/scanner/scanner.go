// Package scanner walks a project root and produces the files eligible for
// indexing, each with a content fingerprint.
package scanner

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileStat describes one indexable file discovered by a scan.
type FileStat struct {
	// Path is relative to the scanned root, slash-separated.
	Path string
	Size int64
	// Fingerprint is the hex SHA-256 of the file bytes. It is used only for
	// change detection, never for security.
	Fingerprint string
}

// IgnoreFileName sits at the project root and lists directory patterns to
// skip, one per line. It is created with defaults on first scan.
const IgnoreFileName = ".sourcererignore"

// defaultIgnores are used when no ignore file exists.
var defaultIgnores = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"__pycache__",
	"venv",
	".venv",
	".idea",
	".vscode",
	".sourcerer",
	"dist",
	"build",
}

// Scanner walks a root directory applying the extension, size, and count
// policy from configuration. A Scanner is stateless between scans; calling
// Scan again restarts from the beginning.
type Scanner struct {
	allowed     map[string]bool
	maxFileSize int64
	maxFiles    int
	logger      *slog.Logger
}

// New builds a Scanner. Extensions are matched case-insensitively and must
// include the leading dot.
func New(allowedExts []string, maxFileSize int64, maxFiles int, logger *slog.Logger) *Scanner {
	allowed := make(map[string]bool, len(allowedExts))
	for _, ext := range allowedExts {
		allowed[strings.ToLower(ext)] = true
	}
	return &Scanner{
		allowed:     allowed,
		maxFileSize: maxFileSize,
		maxFiles:    maxFiles,
		logger:      logger,
	}
}

// Scan traverses root and sends eligible files on the returned channel as
// they are discovered. Files that cannot be read, fall outside the allowlist,
// exceed the size cap, or arrive past the file-count cap are skipped with a
// logged diagnostic; a skip never aborts the walk. The error channel carries
// at most one terminal error (unreadable root, cancelled context).
func (s *Scanner) Scan(ctx context.Context, root string) (<-chan FileStat, <-chan error) {
	files := make(chan FileStat, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(files)
		defer close(errs)

		absRoot, err := filepath.Abs(root)
		if err != nil {
			errs <- err
			return
		}
		if _, err := os.Stat(absRoot); err != nil {
			errs <- err
			return
		}

		ignores := loadIgnorePatterns(absRoot)
		emitted := 0
		capped := false

		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				s.logger.Warn("scan: unreadable entry", "path", path, "error", err)
				return nil
			}

			if d.IsDir() {
				if path == absRoot {
					return nil
				}
				rel, _ := filepath.Rel(absRoot, path)
				if matchesIgnore(d.Name(), filepath.ToSlash(rel), ignores) {
					return filepath.SkipDir
				}
				return nil
			}

			// Symlinks are not followed.
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}

			rel, _ := filepath.Rel(absRoot, path)
			rel = filepath.ToSlash(rel)

			ext := strings.ToLower(filepath.Ext(path))
			if !s.allowed[ext] {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				s.logger.Warn("scan: stat failed", "path", rel, "error", err)
				return nil
			}
			if info.Size() == 0 {
				return nil
			}
			if info.Size() > s.maxFileSize {
				s.logger.Warn("scan: file over size limit", "path", rel, "size", info.Size(), "limit", s.maxFileSize)
				return nil
			}
			if emitted >= s.maxFiles {
				if !capped {
					s.logger.Warn("scan: file count cap reached", "limit", s.maxFiles)
					capped = true
				}
				s.logger.Debug("scan: file skipped by count cap", "path", rel)
				return nil
			}

			fingerprint, err := hashFile(path)
			if err != nil {
				s.logger.Warn("scan: hash failed", "path", rel, "error", err)
				return nil
			}

			select {
			case files <- FileStat{Path: rel, Size: info.Size(), Fingerprint: fingerprint}:
				emitted++
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return files, errs
}

// hashFile streams the file through SHA-256 so large files never load fully
// into memory during a scan.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadIgnorePatterns reads the ignore file from the project root, creating
// it with defaults if it does not exist.
func loadIgnorePatterns(root string) []string {
	ignorePath := filepath.Join(root, IgnoreFileName)

	f, err := os.Open(ignorePath)
	if err != nil {
		createDefaultIgnoreFile(ignorePath)
		return defaultIgnores
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return defaultIgnores
	}
	return patterns
}

func createDefaultIgnoreFile(path string) {
	var b strings.Builder
	b.WriteString("# Directories to exclude from indexing.\n")
	b.WriteString("# One pattern per line. Supports exact names and globs.\n\n")
	for _, p := range defaultIgnores {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	// Best-effort write; the defaults still apply in memory if it fails.
	os.WriteFile(path, []byte(b.String()), 0o644)
}

// matchesIgnore checks a directory name or relative path against the ignore
// patterns.
func matchesIgnore(name, relPath string, patterns []string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
		if strings.HasPrefix(relPath, p) {
			return true
		}
		if matched, _ := filepath.Match(p, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(p, name); matched {
			return true
		}
	}
	return false
}
