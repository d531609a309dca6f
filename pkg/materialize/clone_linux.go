//go:build linux

package materialize

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func reflink(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		out.Close()
		os.Remove(dst)
		return &os.LinkError{Op: "ficlone", Old: src, New: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Chmod(dst, mode)
}

func isCapabilityErr(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EMLINK) ||
		errors.Is(err, errReflinkUnsupported)
}
