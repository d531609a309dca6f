//go:build !linux

package nsinit

import (
	"os"
	"runtime"

	"github.com/openfroyo/hermit/pkg/sandbox/protocol"
)

// Version is reported in READY.
const Version = "1.0.0"

// EnvReexec is set in the environment of a test binary re-executed as the
// init helper.
const EnvReexec = "HERMIT_SANDBOX_INIT"

// Main reports that namespaces are unavailable on this platform.
func Main() int {
	enc := protocol.NewEncoder(os.Stdout)
	_ = enc.EncodeError(&protocol.ErrorMessage{
		Code:    protocol.CodeSetupFailed,
		Message: "namespace sandbox is not supported on " + runtime.GOOS,
	})
	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "unsupported", ExitCode: 1})
	return 1
}
