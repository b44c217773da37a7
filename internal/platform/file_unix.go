//go:build unix

package platform

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// preallocate extends f by growing bytes starting at the current
// offset using fallocate(2), falling back to a zero-fill write loop
// on filesystems that do not support it (e.g. some FUSE/network
// mounts return ENOTSUP/ENOSYS).
func preallocate(f *os.File, offset, grow int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, offset, grow)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
		return zeroFillGrow(f, offset, grow)
	}
	return err
}

// zeroFillGrow is the portable fallback: it writes explicit zero
// bytes rather than calling Truncate, so the blocks are materialized
// (not a sparse hole) the way spec.md requires.
func zeroFillGrow(f *os.File, offset, grow int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for grow > 0 {
		n := int64(len(buf))
		if grow < n {
			n = grow
		}
		if _, err := f.WriteAt(buf[:n], offset); err != nil {
			return err
		}
		offset += n
		grow -= n
	}
	return nil
}

// fsyncDir flushes a directory's entry list to stable storage so a
// subsequent crash cannot lose a just-created file or directory
// entry, per spec.md's durability-barrier requirement.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return err
	}
	return nil
}

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
