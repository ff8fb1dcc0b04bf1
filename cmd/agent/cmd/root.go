package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version   string
	buildTime string
	gitCommit string

	configPath string
)

// rootCmd is the phantom_agent base command; run/status/update are its
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "phantom_agent",
	Short: "Fleet endpoint OTA update agent",
	Long: `phantom_agent reconciles this endpoint's installed components against
the control plane's manifest: it downloads, installs, and rolls back
per-component packages, and exposes its status and controls over a local
HTTP listener.

Use "phantom_agent run" to start the reconciliation loop, or the
status/update/update-both commands to query and drive an already-running
instance through its local listener.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion threads build-time version metadata into the version command.
func SetVersion(v, bt, gc string) {
	version = v
	rootCmd.Version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; defaults are used otherwise)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(updateForceCmd)
	rootCmd.AddCommand(updateBothCmd)
}
