// Package platform implements the narrow set of filesystem primitives
// the pager consumes: create/open, minimum-size preallocation,
// parent-directory durability barriers, page-granularity read-only
// mapping, and positional writes. Higher layers go through a Handle;
// Handle.File exposes the underlying *os.File only for direct reads.
package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// Error kinds surfaced by this package, matching the pager's error
// taxonomy (spec §7). Callers type-switch on these via errors.Is.
var (
	ErrNotAFile    = errors.New("platform: a parent path component is not a directory")
	ErrIsDirectory = errors.New("platform: path is a directory")
	ErrPermission  = errors.New("platform: permission denied")
	ErrEmptyPath   = errors.New("platform: empty path")
)

// Handle wraps an open file plus its path, so parent-directory
// durability barriers can be re-issued without the caller tracking
// the directory separately.
type Handle struct {
	path string
	file *os.File
}

// CreateFile opens path for read-write access, creating it (and any
// missing parent directories, with owner-only permissions) if it does
// not exist. A parent-directory durability barrier is issued after
// every directory creation step and after the file itself is created.
func CreateFile(path string) (*Handle, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, ErrIsDirectory
	}

	dir := filepath.Dir(path)
	created, err := mkdirAllSynced(dir)
	if err != nil {
		return nil, fmt.Errorf("platform: create parent dirs: %w", err)
	}

	// If we just created dir, path cannot already exist under it.
	fileExisted := false
	if !created {
		_, statErr := os.Stat(path)
		fileExisted = statErr == nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermission, path)
		}
		return nil, err
	}

	if !fileExisted {
		if err := fsyncDir(dir); err != nil {
			f.Close()
			return nil, fmt.Errorf("platform: fsync parent dir: %w", err)
		}
	}

	return &Handle{path: path, file: f}, nil
}

// mkdirAllSynced creates dir and every missing ancestor with
// owner-only permissions, issuing a durability barrier on each
// newly-created directory's parent.
func mkdirAllSynced(dir string) (bool, error) {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return false, ErrNotAFile
		}
		return false, nil
	}

	parent := filepath.Dir(dir)
	if parent != dir {
		if _, err := mkdirAllSynced(parent); err != nil {
			return false, err
		}
	}

	if err := os.Mkdir(dir, 0o700); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := fsyncDir(parent); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureMinimumSize grows the file to at least n bytes using an
// explicit preallocation primitive rather than a sparse truncate, and
// issues a parent-directory durability barrier afterwards. It is a
// no-op if the file is already at least n bytes long.
func EnsureMinimumSize(h *Handle, n int64) error {
	info, err := h.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= n {
		return nil
	}

	if err := preallocate(h.file, info.Size(), n-info.Size()); err != nil {
		return fmt.Errorf("platform: preallocate: %w", err)
	}
	if err := fsyncDir(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("platform: fsync parent dir: %w", err)
	}
	return nil
}

// MapFile creates a read-only shared mapping of size bytes starting
// at offset, both of which must be page-size-aligned for the running
// platform's mmap to accept them (the pager always passes multiples
// of 8192, which is >= every supported platform's mmap granularity).
func MapFile(h *Handle, offset int64, size int) (mmap.MMap, error) {
	region, err := mmap.MapRegion(h.file, size, mmap.RDONLY, 0, offset)
	if err != nil {
		return nil, fmt.Errorf("platform: map: %w", err)
	}
	return region, nil
}

// UnmapFile releases a mapping obtained from MapFile.
func UnmapFile(region mmap.MMap) error {
	if region == nil {
		return nil
	}
	return region.Unmap()
}

// WriteFile performs a positional write of buf at offset, retrying on
// signal interruption and looping until every byte is written or an
// unrecoverable error occurs.
func WriteFile(h *Handle, offset int64, buf []byte) error {
	for len(buf) > 0 {
		n, err := h.file.WriteAt(buf, offset)
		if n > 0 {
			buf = buf[n:]
			offset += int64(n)
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return err
			}
			if isRetryable(err) {
				continue
			}
			return fmt.Errorf("platform: write: %w", err)
		}
	}
	return nil
}

// Sync issues a durability barrier on the file's data and metadata.
func Sync(h *Handle) error {
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("platform: fsync: %w", err)
	}
	return nil
}

// CloseFile closes the underlying file, surfacing any error deferred
// until close (e.g. a final flush failure on some filesystems).
func CloseFile(h *Handle) error {
	if h == nil || h.file == nil {
		return nil
	}
	if err := h.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("platform: close: %w", err)
	}
	return nil
}

// Size reports the file's current length in bytes.
func Size(h *Handle) (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// File exposes the underlying *os.File for the rare cases (ReadAt
// of the header during reopen verification) that need it directly.
func (h *Handle) File() *os.File { return h.file }

// Path returns the handle's filesystem path.
func (h *Handle) Path() string { return h.path }

func isRetryable(err error) bool {
	return errors.Is(err, io.ErrShortWrite) || isEINTR(err)
}
