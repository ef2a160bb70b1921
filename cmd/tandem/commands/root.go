// Package commands implements the tandem CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tandem",
		Short: "Tandem - pair-programming assistant for your terminal",
		Long: `Tandem is an interactive coding assistant that runs in the terminal.
It keeps a durable session per project, streams its thinking as it works,
and can be interrupted or redirected mid-turn without losing context.

Examples:
  tandem chat "explain the failing test in pkg/parser"
  tandem chat
  tandem sessions list
  tandem setup`,
		Version: version,
	}

	// Register subcommands.
	rootCmd.AddCommand(
		newChatCmd(),
		newSessionsCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
