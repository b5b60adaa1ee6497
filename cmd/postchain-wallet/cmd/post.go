package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/platform/keystore"
)

var (
	postBody    string
	postReplyTo string
	postGasFee  uint64
)

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Sign and submit a post",
	Run:   postRun,
}

func init() {
	rootCmd.AddCommand(postCmd)
	postCmd.Flags().StringVarP(&postBody, "body", "b", "", "Text of the post.")
	postCmd.Flags().StringVarP(&postReplyTo, "reply-to", "r", "", "Hex hash of the post being replied to, if any.")
	postCmd.Flags().Uint64VarP(&postGasFee, "gas-fee", "g", 1, "Gas fee paid to the miner.")
}

func postRun(cmd *cobra.Command, args []string) {
	if postBody == "" {
		log.Fatal("post: --body is required")
	}

	kp, err := keystore.Load(keyPath)
	if err != nil {
		log.Fatal(err)
	}

	a, err := fetchAccount(kp.Public.String())
	if err != nil {
		log.Fatal(err)
	}

	t := tx.NewPost(tx.Post{PostBody: tx.PostBody{
		Author:    kp.Public,
		Nonce:     a.Nonce + 1,
		Timestamp: uint64(time.Now().Unix()),
		Body:      postBody,
		GasFee:    postGasFee,
	}})
	if postReplyTo != "" {
		h, err := crypto.ParseHash(postReplyTo)
		if err != nil {
			log.Fatal(err)
		}
		t.Post.ReplyTo = &h
	}
	if err := t.Sign(kp); err != nil {
		log.Fatal(err)
	}

	body := map[string]any{
		"kind": "post",
		"post": map[string]any{
			"author":    t.Post.Author.String(),
			"nonce":     t.Post.Nonce,
			"timestamp": t.Post.Timestamp,
			"body":      t.Post.Body,
			"gas_fee":   t.Post.GasFee,
			"signature": t.Post.Signature.String(),
		},
	}
	if t.Post.ReplyTo != nil {
		body["post"].(map[string]any)["reply_to"] = t.Post.ReplyTo.String()
	}

	hash, err := submitTransaction(body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hash)
}
