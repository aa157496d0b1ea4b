package commands

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// Root builds the goblin command tree.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "goblin",
		Short:         "Goblin is an MCP gateway: one MCP server fronting many",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(gatewayCommand())

	return cmd
}
