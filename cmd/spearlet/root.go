package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spearlet",
		Short:         "Node-local execution engine for artifacts, tasks and instance pools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML, TOML or JSON config file (defaults SPEARLET_CONFIG)")
	root.PersistentFlags().String("log-level", "", "Override log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "", "Override log format: console|json")

	root.AddCommand(newServeCmd(), newExecCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
