package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/talkingthreads/goblin/pkg/gateway"
)

func gatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the MCP gateway",
	}

	options := gateway.Config{
		ConfigPath: "goblin.yaml",
		Options: gateway.Options{
			Transport: "stdio",
			LogCalls:  true,
			Watch:     true,
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if options.Transport == "stdio" {
				if options.Port != 0 {
					return errors.New("cannot use --port with --transport=stdio")
				}
			} else if options.Port == 0 {
				options.Port = 8811
			}

			return gateway.NewGateway(options).Run(cmd.Context())
		},
	}

	runCmd.Flags().StringVar(&options.ConfigPath, "config", options.ConfigPath, "Path to the gateway configuration file")
	runCmd.Flags().IntVar(&options.Port, "port", options.Port, "TCP port to listen on (default is to listen on stdio)")
	runCmd.Flags().StringVar(&options.Transport, "transport", options.Transport, "stdio, sse or streaming (default is stdio)")
	runCmd.Flags().StringArrayVar(&options.Interceptors, "interceptor", options.Interceptors, "List of interceptors to use (format: when:type:path, e.g. 'before:exec:/bin/path')")
	runCmd.Flags().StringArrayVar(&options.AllowedOrigins, "allowed-origin", options.AllowedOrigins, "Additional Origin values accepted on the network transports (local origins are always accepted)")
	runCmd.Flags().BoolVar(&options.LogCalls, "log-calls", options.LogCalls, "Log calls to the tools")
	runCmd.Flags().BoolVar(&options.DryRun, "dry-run", options.DryRun, "Connect and sync the backends but do not listen for connections (useful for testing the configuration)")
	runCmd.Flags().BoolVar(&options.Verbose, "verbose", options.Verbose, "Verbose output")
	runCmd.Flags().BoolVar(&options.Watch, "watch", options.Watch, "Watch the configuration file and reconfigure the gateway on changes")
	runCmd.Flags().StringVar(&options.LogFilePath, "log-file", options.LogFilePath, "Also write logs to this file")

	cmd.AddCommand(runCmd)

	return cmd
}
