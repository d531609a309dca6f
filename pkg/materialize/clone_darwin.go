//go:build darwin

package materialize

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func reflink(src, dst string, mode fs.FileMode) error {
	if err := unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW); err != nil {
		return &os.LinkError{Op: "clonefile", Old: src, New: dst, Err: err}
	}
	return os.Chmod(dst, mode)
}

func isCapabilityErr(err error) bool {
	return errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EMLINK) ||
		errors.Is(err, errReflinkUnsupported)
}
