// Command hermit-sandbox is the init process of a namespace sandbox. It is
// started by the executor, never by hand.
package main

import (
	"os"

	"github.com/openfroyo/hermit/pkg/sandbox/nsinit"
)

func main() {
	os.Exit(nsinit.Main())
}
