package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "dv",
		Short:         "Data Vault (dv): shared store for measurement sessions and datasets",
		Long:          "dv runs the Data Vault service, which keeps a tree of sessions holding append-only datasets shared by many clients, and inspects the persisted tree offline.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.datavault/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newSessionsCmd(opts),
		newDumpCmd(opts),
	)

	return rootCmd
}
