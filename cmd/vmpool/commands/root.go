package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vmpool",
		Short: "vmpool - VM pool build request orchestration",
		Long: `vmpool turns requests for pools of identical vSphere VMs into Terraform
workspaces and drives them through plan, human approval and apply.

For each request it:
  - Validates the request and reserves the VM names
  - Claims one IP address per VM from NetBox
  - Writes a sealed Terraform workspace referencing the VM module
  - Plans it through Atlantis or the terraform CLI
  - Applies the approved plan and records the outcome`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default /etc/vmpool/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newSubmitCommand(version))
	rootCmd.AddCommand(newApproveCommand(version))
	rootCmd.AddCommand(newRejectCommand(version))
	rootCmd.AddCommand(newCancelCommand(version))
	rootCmd.AddCommand(newReplanCommand(version))
	rootCmd.AddCommand(newResubmitCommand(version))
	rootCmd.AddCommand(newShowCommand(version))
	rootCmd.AddCommand(newListCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
