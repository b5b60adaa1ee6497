package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/postchain/postchain/internal/platform/keystore"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key pair and save it to the key file",
	Run:   generateRun,
}

func init() {
	rootCmd.AddCommand(generateCmd)
}

func generateRun(cmd *cobra.Command, args []string) {
	kp, err := keystore.Generate(keyPath)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(kp.Public.String())
}
