// Command agent is the phantom_agent OTA update agent: a single binary
// that reconciles a fleet endpoint's installed components against the
// control plane's manifest, and doubles as the CLI used to query and
// trigger that reconciliation locally.
package main

import (
	"fmt"
	"os"

	"github.com/alexlavriv/ota-agent/cmd/agent/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersion(version, buildTime, gitCommit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
