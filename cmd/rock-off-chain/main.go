// Command line client for ClearNode application sessions
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "rock-off-chain",
	Short:         "ClearNode session client",
	Long:          "Authenticates a wallet against ClearNode and opens and settles two-party application sessions.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
