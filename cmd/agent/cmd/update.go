package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Wake the running agent for an immediate reconciliation cycle",
	RunE:  triggerCommand("/update_version"),
}

var updateForceCmd = &cobra.Command{
	Use:   "update-force",
	Short: "Clear the current scope's hash bucket and re-evaluate every component",
	RunE:  triggerCommand("/update_version_force"),
}

var updateBothCmd = &cobra.Command{
	Use:   "update-both",
	Short: "Reconcile the operator side, then the vehicle side, in sequence",
	RunE:  triggerCommand("/update_version_both"),
}

func triggerCommand(path string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		resp, err := postLocal(cfg, path)
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", resp["status"])
		return nil
	}
}
