// Package cmd implements the postchain-wallet CLI: generate a key pair,
// check a balance, and sign/submit posts, endorsements and transfers
// against a node's RPC surface, grounded on the teacher's
// app/wallet/cli/cmd package (a persistent --account flag resolving to a
// key file, one cobra subcommand per operation).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	keyPath string
	nodeURL string
)

var rootCmd = &cobra.Command{
	Use:   "postchain-wallet",
	Short: "A wallet for signing and submitting posts, endorsements and transfers",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keyPath, "key", "k", "zblock/wallet.key", "Path to the wallet's key file.")
	rootCmd.PersistentFlags().StringVarP(&nodeURL, "url", "u", "http://localhost:8080", "Base URL of the node's RPC surface.")
}

// Execute runs the wallet CLI, exiting the process with a non-zero status
// on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
