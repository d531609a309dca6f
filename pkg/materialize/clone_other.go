//go:build !linux && !darwin

package materialize

import (
	"errors"
	"io/fs"
)

func reflink(src, dst string, mode fs.FileMode) error {
	return errReflinkUnsupported
}

func isCapabilityErr(err error) bool {
	return errors.Is(err, errReflinkUnsupported)
}
