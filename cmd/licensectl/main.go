package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "licensectl",
		Short:        "License server key and credential tooling",
		Long:         `licensectl generates the response signing key pair, verifies signed responses offline and hashes admin passwords.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newKeygenCommand(),
		newVerifyCommand(),
		newHashPasswordCommand(),
	)

	return rootCmd
}
