package sandbox

import "golang.org/x/sys/unix"

const limitsSupported = true

// Linux reports ru_maxrss in kilobytes.
const rssScale = 1024

func setLimits(pid int, l Limits) error {
	set := func(resource int, v uint64) error {
		if v == 0 {
			return nil
		}
		return unix.Prlimit(pid, resource, &unix.Rlimit{Cur: v, Max: v}, nil)
	}
	if err := set(unix.RLIMIT_AS, l.MaxMemoryBytes); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_CPU, l.MaxCPUSeconds); err != nil {
		return err
	}
	return set(unix.RLIMIT_NOFILE, l.MaxOpenFiles)
}
