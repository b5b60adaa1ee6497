package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/platform/keystore"
)

var (
	transferTo     string
	transferAmount uint64
	transferGasFee uint64
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Sign and submit a value transfer",
	Run:   transferRun,
}

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.Flags().StringVarP(&transferTo, "to", "t", "", "Hex public key of the recipient.")
	transferCmd.Flags().Uint64VarP(&transferAmount, "amount", "a", 0, "Amount to transfer.")
	transferCmd.Flags().Uint64VarP(&transferGasFee, "gas-fee", "g", 1, "Gas fee paid to the miner.")
}

func transferRun(cmd *cobra.Command, args []string) {
	if transferTo == "" || transferAmount == 0 {
		log.Fatal("transfer: --to and --amount are required")
	}

	recipient, err := crypto.ParsePublicKey(transferTo)
	if err != nil {
		log.Fatal(err)
	}

	kp, err := keystore.Load(keyPath)
	if err != nil {
		log.Fatal(err)
	}

	a, err := fetchAccount(kp.Public.String())
	if err != nil {
		log.Fatal(err)
	}

	t := tx.NewTransfer(tx.Transfer{TransferBody: tx.TransferBody{
		Sender:    kp.Public,
		Recipient: recipient,
		Amount:    transferAmount,
		Nonce:     a.Nonce + 1,
		GasFee:    transferGasFee,
	}})
	if err := t.Sign(kp); err != nil {
		log.Fatal(err)
	}

	body := map[string]any{
		"kind": "transfer",
		"transfer": map[string]any{
			"sender":    t.Transfer.Sender.String(),
			"recipient": t.Transfer.Recipient.String(),
			"amount":    t.Transfer.Amount,
			"nonce":     t.Transfer.Nonce,
			"gas_fee":   t.Transfer.GasFee,
			"signature": t.Transfer.Signature.String(),
		},
	}

	hash, err := submitTransaction(body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hash)
}
