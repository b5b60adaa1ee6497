// Command postchain-wallet is a CLI for generating a key pair and
// signing/submitting posts, endorsements and transfers against a node.
package main

import "github.com/postchain/postchain/cmd/postchain-wallet/cmd"

func main() {
	cmd.Execute()
}
