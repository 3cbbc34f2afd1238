package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for tradeboard.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "tradeboard",
		Short: "Tradeboard API server",
		Long:  "Tradeboard serves the market catalog, gated news and signals, live prices and subscription billing for the Tradeboard site.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newImportTokensCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
