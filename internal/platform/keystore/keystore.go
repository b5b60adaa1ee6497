// Package keystore persists an Ed25519 key pair to disk as a hex-encoded
// seed file, generalizing the teacher's go-ethereum
// crypto.LoadECDSA/SaveECDSA convention (load/save a single key file by
// path) to this project's Ed25519 keys now that go-ethereum itself is
// out of scope.
package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/postchain/postchain/internal/blockchain/crypto"
)

// Load reads a hex-encoded seed from path and reconstructs the key pair.
func Load(path string) (crypto.KeyPair, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("keystore: reading %s: %w", path, err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("keystore: decoding %s: %w", path, err)
	}

	return crypto.NewKeyPairFromSeed(seed)
}

// Save writes kp's seed to path as hex, readable only by the owner since
// it is the sole credential controlling the account's funds.
func Save(path string, kp crypto.KeyPair) error {
	content := hex.EncodeToString(kp.Seed())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("keystore: writing %s: %w", path, err)
	}
	return nil
}

// Generate creates a new random key pair and persists it to path.
func Generate(path string) (crypto.KeyPair, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if err := Save(path, kp); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}

// LoadOrGenerate loads the key pair at path, generating and persisting a
// fresh one if the file does not yet exist — the node's miner identity
// and the wallet's account key both follow this same first-run
// convenience.
func LoadOrGenerate(path string) (crypto.KeyPair, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Generate(path)
	}
	return Load(path)
}
