package sandbox

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/materialize"
)

// HelperName is the init helper binary looked up next to the running
// executable and then in PATH.
const HelperName = "hermit-sandbox"

const (
	defaultWorkMount    = "/work"
	defaultHostname     = "hermit"
	defaultReadyTimeout = 10 * time.Second
)

// NamespaceOptions configures the namespace backend.
type NamespaceOptions struct {
	// Helper is the path of the hermit-sandbox binary.
	Helper string

	// HelperArgs and HelperEnv are passed to the helper. The action's
	// environment is sent separately and never inherits these.
	HelperArgs []string
	HelperEnv  []string

	// Passthrough host paths are mounted read-only at the same location.
	Passthrough []string

	// WorkMount is where the root appears inside the sandbox.
	WorkMount string

	Hostname     string
	ReadyTimeout time.Duration

	ScratchDir string
	Strategy   materialize.Strategy

	Logger zerolog.Logger
}

func (o *NamespaceOptions) setDefaults() {
	if o.WorkMount == "" {
		o.WorkMount = defaultWorkMount
	}
	if o.Hostname == "" {
		o.Hostname = defaultHostname
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
}
