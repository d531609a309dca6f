//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func configureCmd(*exec.Cmd) {}

func killGroup(int) error { return nil }

func exitStatus(ps *os.ProcessState) int { return ps.ExitCode() }

func maxRSS(*os.ProcessState) int64 { return 0 }
