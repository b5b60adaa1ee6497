package v1

import (
	"fmt"

	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/tx"
)

// txDTO is the wire shape of any of the four transaction kinds: a flat
// object carrying only the fields that kind populates, hex-encoded, so a
// client never has to decode a canon-tagged domain struct directly.
type txDTO struct {
	Kind      string  `json:"kind"`
	Hash      string  `json:"hash"`
	Author    string  `json:"author,omitempty"`
	Sender    string  `json:"sender,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
	Nonce     *uint64 `json:"nonce,omitempty"`
	Timestamp *uint64 `json:"timestamp,omitempty"`
	Body      string  `json:"body,omitempty"`
	ReplyTo   string  `json:"reply_to,omitempty"`
	Target    string  `json:"target,omitempty"`
	Message   string  `json:"message,omitempty"`
	Amount    *uint64 `json:"amount,omitempty"`
	GasFee    *uint64 `json:"gas_fee,omitempty"`
	Height    *uint64 `json:"height,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

func u64(v uint64) *uint64 { return &v }

func newTxDTO(t tx.Tx) (txDTO, error) {
	hash, err := t.ContentHash()
	if err != nil {
		return txDTO{}, err
	}

	d := txDTO{Kind: string(t.Kind), Hash: hash.String()}

	switch t.Kind {
	case tx.KindPost:
		d.Author = t.Post.Author.String()
		d.Nonce = u64(t.Post.Nonce)
		d.Timestamp = u64(t.Post.Timestamp)
		d.Body = t.Post.Body
		d.GasFee = u64(t.Post.GasFee)
		d.Signature = t.Post.Signature.String()
		if t.Post.ReplyTo != nil {
			d.ReplyTo = t.Post.ReplyTo.String()
		}
	case tx.KindEndorse:
		d.Author = t.Endorse.Author.String()
		d.Nonce = u64(t.Endorse.Nonce)
		d.Target = t.Endorse.Target.String()
		d.Amount = u64(t.Endorse.Amount)
		d.Message = t.Endorse.Message
		d.GasFee = u64(t.Endorse.GasFee)
		d.Signature = t.Endorse.Signature.String()
	case tx.KindTransfer:
		d.Sender = t.Transfer.Sender.String()
		d.Recipient = t.Transfer.Recipient.String()
		d.Amount = u64(t.Transfer.Amount)
		d.Nonce = u64(t.Transfer.Nonce)
		d.GasFee = u64(t.Transfer.GasFee)
		d.Signature = t.Transfer.Signature.String()
	case tx.KindCoinbase:
		d.Recipient = t.Coinbase.Recipient.String()
		d.Amount = u64(t.Coinbase.Amount)
		d.Height = u64(t.Coinbase.Height)
	default:
		return txDTO{}, fmt.Errorf("rpc: unknown transaction kind %q", t.Kind)
	}

	return d, nil
}

// headerDTO is a block header's wire shape, hex-encoding every hash and
// key field.
type headerDTO struct {
	Version      uint8  `json:"version"`
	Height       uint64 `json:"height"`
	PrevHash     string `json:"prev_hash"`
	Timestamp    uint64 `json:"timestamp"`
	Miner        string `json:"miner"`
	Difficulty   uint64 `json:"difficulty"`
	Nonce        uint64 `json:"nonce"`
	TxMerkleRoot string `json:"tx_merkle_root"`
	StateRoot    string `json:"state_root"`
	TxCount      uint16 `json:"tx_count"`
	Hash         string `json:"hash"`
}

func newHeaderDTO(h block.Header) (headerDTO, error) {
	hash, err := h.Hash()
	if err != nil {
		return headerDTO{}, err
	}
	return headerDTO{
		Version:      h.Version,
		Height:       h.Height,
		PrevHash:     h.PrevHash.String(),
		Timestamp:    h.Timestamp,
		Miner:        h.Miner.String(),
		Difficulty:   h.Difficulty,
		Nonce:        h.Nonce,
		TxMerkleRoot: h.TxMerkleRoot.String(),
		StateRoot:    h.StateRoot.String(),
		TxCount:      h.TxCount,
		Hash:         hash.String(),
	}, nil
}

// blockDTO is a full block's wire shape: its header plus every
// transaction, in order.
type blockDTO struct {
	Header headerDTO `json:"header"`
	Txs    []txDTO   `json:"transactions"`
}

func newBlockDTO(b block.Block) (blockDTO, error) {
	h, err := newHeaderDTO(b.Header)
	if err != nil {
		return blockDTO{}, err
	}

	txs := make([]txDTO, len(b.Txs))
	for i, t := range b.Txs {
		d, err := newTxDTO(t)
		if err != nil {
			return blockDTO{}, err
		}
		txs[i] = d
	}

	return blockDTO{Header: h, Txs: txs}, nil
}

// accountDTO is the balance/nonce pair get_account returns.
type accountDTO struct {
	Key     string `json:"key"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// proofDTO is a Merkle inclusion path: sibling hashes paired with the
// concatenation order needed to recompute the root from a leaf.
type proofDTO struct {
	Leaf  string   `json:"leaf"`
	Path  []string `json:"path"`
	Order []int    `json:"order"`
	Root  string   `json:"root"`
}

func newProofDTO(leaf crypto.Hash, path []crypto.Hash, order []int, root crypto.Hash) proofDTO {
	p := make([]string, len(path))
	for i, h := range path {
		p[i] = h.String()
	}
	return proofDTO{Leaf: leaf.String(), Path: p, Order: order, Root: root.String()}
}

// submitTxRequest is the decoded JSON body of a submit_transaction call.
// Exactly one of the four payload fields must be populated, matching
// tx.Tx's own tagged-union shape; Kind disambiguates which.
type submitTxRequest struct {
	Kind     string              `json:"kind" validate:"required,oneof=post endorse transfer"`
	Post     *postRequest        `json:"post,omitempty" validate:"required_if=Kind post"`
	Endorse  *endorseRequest     `json:"endorse,omitempty" validate:"required_if=Kind endorse"`
	Transfer *transferRequest    `json:"transfer,omitempty" validate:"required_if=Kind transfer"`
}

type postRequest struct {
	Author    string `json:"author" validate:"required,len=64"`
	Nonce     uint64 `json:"nonce"`
	Timestamp uint64 `json:"timestamp" validate:"required"`
	Body      string `json:"body" validate:"required"`
	ReplyTo   string `json:"reply_to,omitempty" validate:"omitempty,len=64"`
	GasFee    uint64 `json:"gas_fee"`
	Signature string `json:"signature" validate:"required,len=128"`
}

type endorseRequest struct {
	Author    string `json:"author" validate:"required,len=64"`
	Nonce     uint64 `json:"nonce"`
	Target    string `json:"target" validate:"required,len=64"`
	Amount    uint64 `json:"amount"`
	Message   string `json:"message"`
	GasFee    uint64 `json:"gas_fee"`
	Signature string `json:"signature" validate:"required,len=128"`
}

type transferRequest struct {
	Sender    string `json:"sender" validate:"required,len=64"`
	Recipient string `json:"recipient" validate:"required,len=64"`
	Amount    uint64 `json:"amount" validate:"required"`
	Nonce     uint64 `json:"nonce"`
	GasFee    uint64 `json:"gas_fee"`
	Signature string `json:"signature" validate:"required,len=128"`
}

// submitTxResponse is what submit_transaction returns on success.
type submitTxResponse struct {
	TxHash string `json:"tx_hash"`
}

// nodeInfoDTO is the wire shape get_node_info returns: enough for a client
// or operator to judge liveness without walking the full chain/mempool
// RPCs, mirroring original_source/jiji/rpc/server.py's get_node_info.
type nodeInfoDTO struct {
	Height          uint64 `json:"height"`
	PeerCount       int    `json:"peer_count"`
	MempoolSize     int    `json:"mempool_size"`
	ProtocolVersion int    `json:"protocol_version"`
}
