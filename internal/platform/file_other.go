//go:build !unix

package platform

import "os"

// preallocate is the non-unix fallback: no native fallocate
// primitive is assumed available, so the range is materialized with
// an explicit zero-fill write loop (never a sparse Truncate).
func preallocate(f *os.File, offset, grow int64) error {
	return zeroFillGrow(f, offset, grow)
}

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

// fsyncDir has no portable non-unix equivalent exposed by the
// standard library; this is a documented best-effort no-op.
func fsyncDir(dir string) error {
	return nil
}

func isEINTR(err error) bool {
	return false
}
