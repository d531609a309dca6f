package nsinit

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/openfroyo/hermit/pkg/sandbox/protocol"
)

// devices are bind-mounted from the host into the sandbox /dev.
var devices = []string{"null", "zero", "full", "random", "urandom", "tty"}

// lockedFlags are inherited mount flags a user namespace may not clear on
// remount.
const lockedFlags = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOATIME | unix.MS_NODIRATIME | unix.MS_RELATIME

// setup builds the sandbox root on a tmpfs at params.Rootfs and pivots
// into it. Afterwards only the work tree, the configured mounts, a minimal
// /dev, /proc and an empty /tmp are visible.
func setup(params *protocol.RunParams, event func(string)) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to make mounts private: %w", err)
	}

	root := params.Rootfs
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755"); err != nil {
		return fmt.Errorf("failed to mount root tmpfs: %w", err)
	}

	work := filepath.Join(root, params.WorkMount)
	if err := bind(params.Work, work, false); err != nil {
		return err
	}
	event("mounted work tree at " + params.WorkMount)

	for _, m := range params.Mounts {
		if err := bind(m.Source, filepath.Join(root, m.Target), m.ReadOnly); err != nil {
			return err
		}
		event("mounted " + m.Target)
	}

	if err := os.MkdirAll(filepath.Join(root, "dev"), 0o755); err != nil {
		return fmt.Errorf("failed to create /dev: %w", err)
	}
	for _, d := range devices {
		src := filepath.Join("/dev", d)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := bind(src, filepath.Join(root, "dev", d), false); err != nil {
			return err
		}
	}

	proc := filepath.Join(root, "proc")
	if err := os.MkdirAll(proc, 0o555); err != nil {
		return fmt.Errorf("failed to create /proc: %w", err)
	}
	if err := unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("failed to mount /proc: %w", err)
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0o1777); err != nil {
		return fmt.Errorf("failed to create /tmp: %w", err)
	}
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return fmt.Errorf("failed to mount /tmp: %w", err)
	}

	if err := pivot(root); err != nil {
		return err
	}
	event("pivoted into sandbox root")

	if params.Hostname != "" {
		if err := unix.Sethostname([]byte(params.Hostname)); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}

	return applyLimits(params.Limits)
}

// bind mounts src on dst, creating dst with the same type as src.
func bind(src, dst string, readOnly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat mount source %s: %w", src, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", dst, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create mount point parent %s: %w", dst, err)
		}
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", dst, err)
		}
		_ = f.Close()
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind %s: %w", src, err)
	}
	if !readOnly {
		return nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err != nil {
		return fmt.Errorf("failed to stat mount %s: %w", dst, err)
	}
	flags := uintptr(unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY) | uintptr(st.Flags)&lockedFlags
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("failed to remount %s read-only: %w", dst, err)
	}
	return nil
}

func pivot(root string) error {
	old := filepath.Join(root, ".oldroot")
	if err := os.MkdirAll(old, 0o700); err != nil {
		return fmt.Errorf("failed to create old root: %w", err)
	}
	if err := unix.PivotRoot(root, old); err != nil {
		return fmt.Errorf("failed to pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	return os.Remove("/.oldroot")
}

// applyLimits sets rlimits inherited by the action.
func applyLimits(l protocol.Limits) error {
	set := func(resource int, v uint64, name string) error {
		if v == 0 {
			return nil
		}
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("failed to set %s limit: %w", name, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_AS, l.MaxMemoryBytes, "memory"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_CPU, l.MaxCPUSeconds, "cpu"); err != nil {
		return err
	}
	return set(unix.RLIMIT_NOFILE, l.MaxOpenFiles, "open files")
}
