package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/postchain/postchain/internal/platform/keystore"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the wallet's committed balance and nonce",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func balanceRun(cmd *cobra.Command, args []string) {
	kp, err := keystore.Load(keyPath)
	if err != nil {
		log.Fatal(err)
	}

	a, err := fetchAccount(kp.Public.String())
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("account %s  balance %d  nonce %d\n", a.Key, a.Balance, a.Nonce)
}
