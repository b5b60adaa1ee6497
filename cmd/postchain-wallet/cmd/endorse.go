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
	endorseTarget  string
	endorseAmount  uint64
	endorseMessage string
	endorseGasFee  uint64
)

var endorseCmd = &cobra.Command{
	Use:   "endorse",
	Short: "Sign and submit an endorsement of a post",
	Run:   endorseRun,
}

func init() {
	rootCmd.AddCommand(endorseCmd)
	endorseCmd.Flags().StringVarP(&endorseTarget, "target", "t", "", "Hex hash of the post being endorsed.")
	endorseCmd.Flags().Uint64VarP(&endorseAmount, "amount", "a", 0, "Amount tipped to the post's author.")
	endorseCmd.Flags().StringVarP(&endorseMessage, "message", "m", "", "Optional message attached to the endorsement.")
	endorseCmd.Flags().Uint64VarP(&endorseGasFee, "gas-fee", "g", 1, "Gas fee paid to the miner.")
}

func endorseRun(cmd *cobra.Command, args []string) {
	if endorseTarget == "" {
		log.Fatal("endorse: --target is required")
	}

	target, err := crypto.ParseHash(endorseTarget)
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

	t := tx.NewEndorse(tx.Endorse{EndorseBody: tx.EndorseBody{
		Author:  kp.Public,
		Nonce:   a.Nonce + 1,
		Target:  target,
		Amount:  endorseAmount,
		Message: endorseMessage,
		GasFee:  endorseGasFee,
	}})
	if err := t.Sign(kp); err != nil {
		log.Fatal(err)
	}

	body := map[string]any{
		"kind": "endorse",
		"endorse": map[string]any{
			"author":    t.Endorse.Author.String(),
			"nonce":     t.Endorse.Nonce,
			"target":    t.Endorse.Target.String(),
			"amount":    t.Endorse.Amount,
			"message":   t.Endorse.Message,
			"gas_fee":   t.Endorse.GasFee,
			"signature": t.Endorse.Signature.String(),
		},
	}

	hash, err := submitTransaction(body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hash)
}
