package sandbox

import (
	"os"
	"testing"

	"github.com/openfroyo/hermit/pkg/sandbox/nsinit"
)

// TestMain lets the test binary act as the hermit-sandbox helper.
func TestMain(m *testing.M) {
	if os.Getenv(nsinit.EnvReexec) == "1" {
		os.Exit(nsinit.Main())
	}
	os.Exit(m.Run())
}
