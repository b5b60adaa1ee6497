package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/postchain/postchain/internal/platform/keystore"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the public key for the wallet's key file",
	Run:   addressRun,
}

func init() {
	rootCmd.AddCommand(addressCmd)
}

func addressRun(cmd *cobra.Command, args []string) {
	kp, err := keystore.Load(keyPath)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(kp.Public.String())
}
