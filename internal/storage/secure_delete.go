package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	MinPasses = 1
	MaxPasses = 3

	// GDPRPasses is the overwrite count required for erasure requests.
	GDPRPasses = 3
)

// DeleteResult reports what a secure delete removed.
// Missing is true when nothing existed for the record; that is not an error.
type DeleteResult struct {
	Files      int
	BytesFreed int64
	Missing    bool
}

// SecureDelete overwrites the record's blob and derived artifacts with random
// bytes for the given number of passes, fsyncing after each, then unlinks them.
func (v *Vault) SecureDelete(ctx context.Context, recordID, reason string, passes int) (DeleteResult, error) {
	var res DeleteResult
	if passes < MinPasses || passes > MaxPasses {
		return res, ioErr(recordID, fmt.Errorf("passes must be between %d and %d, got %d", MinPasses, MaxPasses, passes))
	}

	paths, err := v.family(recordID)
	if err != nil {
		return res, err
	}
	if len(paths) == 0 {
		res.Missing = true
		v.logger.Info("secure delete: nothing on disk",
			zap.String("record_id", recordID),
			zap.String("reason", reason),
		)
		return res, nil
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, ioErr(recordID, err)
		}
		n, err := v.shred(p, passes)
		if err != nil {
			return res, ioErr(recordID, err)
		}
		res.Files++
		res.BytesFreed += n
	}

	v.logger.Info("secure delete",
		zap.String("record_id", recordID),
		zap.String("reason", reason),
		zap.Int64("bytes_freed", res.BytesFreed),
		zap.Int("files", res.Files),
		zap.Int("passes", passes),
	)
	return res, nil
}

// shred overwrites path in place and removes it. Returns the file length.
func (v *Vault) shred(path string, passes int) (int64, error) {
	f, err := v.fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	size := info.Size()

	for i := 0; i < passes; i++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return 0, fmt.Errorf("seek pass %d: %w", i+1, err)
		}
		if _, err := io.CopyN(f, rand.Reader, size); err != nil {
			f.Close()
			return 0, fmt.Errorf("overwrite pass %d: %w", i+1, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return 0, fmt.Errorf("fsync pass %d: %w", i+1, err)
		}
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := v.fs.Remove(path); err != nil {
		return 0, fmt.Errorf("unlink %s: %w", filepath.Base(path), err)
	}
	return size, nil
}

// TempCleanupResult reports an orphaned temp file sweep.
type TempCleanupResult struct {
	FilesRemoved int
	DirsPruned   int
	BytesFreed   int64
	Errors       []error
}

// CleanupTemp removes files older than maxAge from the scratch directories and
// from interrupted uploads inside the vault, then prunes empty subdirectories.
// The roots themselves are kept. The vault directory is never walked: a root
// at or under it is skipped with an error, and a root above it steps around it.
func (v *Vault) CleanupTemp(ctx context.Context, dirs []string, maxAge time.Duration, now time.Time) TempCleanupResult {
	var res TempCleanupResult
	cutoff := now.Add(-maxAge)

	for _, root := range dirs {
		if within(root, v.dir) {
			res.Errors = append(res.Errors, fmt.Errorf("temp dir %s is inside the vault, skipped", root))
			continue
		}
		if _, err := v.fs.Stat(root); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				res.Errors = append(res.Errors, fmt.Errorf("stat %s: %w", root, err))
			}
			continue
		}

		var subdirs []string
		err := afero.Walk(v.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("walk %s: %w", path, err))
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if info.IsDir() {
				if within(path, v.dir) {
					return filepath.SkipDir
				}
				if path != root {
					subdirs = append(subdirs, path)
				}
				return nil
			}
			if !info.ModTime().Before(cutoff) {
				return nil
			}
			n, err := v.shred(path, 1)
			if err != nil {
				res.Errors = append(res.Errors, err)
				return nil
			}
			res.FilesRemoved++
			res.BytesFreed += n
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}

		// deepest first so parents empty out before they are checked
		sort.Slice(subdirs, func(i, j int) bool {
			return strings.Count(subdirs[i], string(filepath.Separator)) > strings.Count(subdirs[j], string(filepath.Separator))
		})
		for _, d := range subdirs {
			entries, err := afero.ReadDir(v.fs, d)
			if err != nil || len(entries) > 0 {
				continue
			}
			if err := v.fs.Remove(d); err == nil {
				res.DirsPruned++
			}
		}
	}

	entries, err := afero.ReadDir(v.fs, v.dir)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("read vault dir: %w", err))
		return res
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) || !e.ModTime().Before(cutoff) {
			continue
		}
		n, err := v.shred(filepath.Join(v.dir, e.Name()), 1)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.FilesRemoved++
		res.BytesFreed += n
	}

	if res.FilesRemoved > 0 {
		v.logger.Info("orphaned temp files removed",
			zap.Int("files", res.FilesRemoved),
			zap.Int("dirs_pruned", res.DirsPruned),
			zap.Int64("bytes_freed", res.BytesFreed),
		)
	}
	return res
}

// within reports whether path is dir itself or lies beneath it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
