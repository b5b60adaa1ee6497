package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// account mirrors the node's get_account response shape.
type account struct {
	Key     string `json:"key"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// fetchAccount retrieves the committed balance and nonce for pubkey, used
// both to print a balance and to pick the next nonce before signing a new
// transaction.
func fetchAccount(pubkey string) (account, error) {
	resp, err := httpClient.Get(nodeURL + "/v1/accounts/" + pubkey)
	if err != nil {
		return account{}, fmt.Errorf("fetching account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return account{}, fmt.Errorf("fetching account: node responded %s", resp.Status)
	}

	var a account
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return account{}, fmt.Errorf("decoding account: %w", err)
	}
	return a, nil
}

// submitErrorResponse mirrors internal/rpc.Response, the failure body
// shape every RPC error produces.
type submitErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// submitTransaction posts a submit_transaction request body and returns
// the resulting tx_hash, or a descriptive error built from the node's
// JSON error body on failure.
func submitTransaction(body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := httpClient.Post(nodeURL+"/v1/transactions", "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eresp submitErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&eresp); err == nil && eresp.Error != "" {
			return "", fmt.Errorf("node rejected transaction: %s %v", eresp.Error, eresp.Fields)
		}
		return "", fmt.Errorf("node rejected transaction: %s", resp.Status)
	}

	var ok struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	return ok.TxHash, nil
}
