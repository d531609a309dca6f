//go:build linux

package nsinit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/openfroyo/hermit/pkg/sandbox/protocol"
)

// Version is reported in READY.
const Version = "1.0.0"

// EnvReexec is set in the environment of a test binary re-executed as the
// init helper.
const EnvReexec = "HERMIT_SANDBOX_INIT"

type initProcess struct {
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdout  *os.File
	stderr  *os.File
}

// Main runs the helper over the process's stdio and returns the exit
// code.
func Main() int {
	p := &initProcess{
		encoder: protocol.NewEncoder(os.Stdout),
		decoder: protocol.NewDecoder(os.Stdin),
		stdout:  os.NewFile(3, "action-stdout"),
		stderr:  os.NewFile(4, "action-stderr"),
	}
	return p.run()
}

func (p *initProcess) run() int {
	ready := &protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     map[string]bool{"run": true, "mounts": true},
	}
	if err := p.encoder.EncodeReady(ready); err != nil {
		return 1
	}

	cmd, err := p.decoder.DecodeCommand()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return p.exit("stdin_closed", 0)
		}
		p.fail("", protocol.CodeInvalidCommand, err)
		return p.exit("error", 1)
	}

	var params protocol.RunParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		p.fail(cmd.ID, protocol.CodeInvalidCommand, err)
		return p.exit("error", 1)
	}
	if err := params.Validate(); err != nil {
		p.fail(cmd.ID, protocol.CodeInvalidCommand, err)
		return p.exit("error", 1)
	}

	event := func(msg string) {
		_ = p.encoder.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: "debug", Message: msg})
	}
	if err := setup(&params, event); err != nil {
		p.fail(cmd.ID, protocol.CodeSetupFailed, err)
		return p.exit("error", 1)
	}

	start := time.Now()
	res, err := p.runAction(&params)
	if err != nil {
		p.fail(cmd.ID, protocol.CodeStartFailed, err)
		return p.exit("error", 1)
	}
	res.Duration = time.Since(start).Seconds()

	raw, err := json.Marshal(res)
	if err != nil {
		p.fail(cmd.ID, protocol.CodeStartFailed, err)
		return p.exit("error", 1)
	}
	_ = p.encoder.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: raw, Duration: res.Duration})

	// Wait for the executor to close stdin so it has read DONE before the
	// namespace goes away.
	_, _ = p.decoder.Decode()
	return p.exit("completed", 0)
}

func (p *initProcess) runAction(params *protocol.RunParams) (*protocol.RunResult, error) {
	dir := params.WorkMount
	if params.WorkDir != "" {
		dir = dir + "/" + params.WorkDir
	}
	argv0, err := LookPath(params.Argv[0], params.Env, dir)
	if err != nil {
		fmt.Fprintf(p.stderr, "hermit-sandbox: %v\n", err)
		_ = p.stdout.Close()
		_ = p.stderr.Close()
		return &protocol.RunResult{ExitCode: ExitNotFound}, nil
	}

	env := params.Env
	if env == nil {
		env = []string{}
	}
	c := &exec.Cmd{
		Path:   argv0,
		Args:   params.Argv,
		Env:    env,
		Dir:    dir,
		Stdout: p.stdout,
		Stderr: p.stderr,
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", params.Argv[0], err)
	}
	// Only the action holds the stream descriptors now.
	_ = p.stdout.Close()
	_ = p.stderr.Close()

	err = c.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("failed to wait for action: %w", err)
	}

	res := &protocol.RunResult{}
	ps := c.ProcessState
	res.Usage.UserSeconds = ps.UserTime().Seconds()
	res.Usage.SystemSeconds = ps.SystemTime().Seconds()
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
		res.Usage.MaxRSSBytes = int64(ru.Maxrss) * 1024
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
		res.ExitCode = 128 + int(ws.Signal())
	} else {
		res.ExitCode = ps.ExitCode()
	}
	return res, nil
}

func (p *initProcess) fail(id, code string, err error) {
	_ = p.encoder.EncodeError(&protocol.ErrorMessage{
		CommandID: id,
		Code:      code,
		Message:   err.Error(),
	})
}

func (p *initProcess) exit(reason string, code int) int {
	_ = p.encoder.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code})
	return code
}
