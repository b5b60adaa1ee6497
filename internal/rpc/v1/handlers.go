// Package v1 implements the node's v1 RPC routes: the handler bodies for
// every operation spec.md's RPC surface names, grounded on the teacher's
// app/services/node/handlers/v1/public package (a Handlers struct holding
// the systems a route needs, one method per route, each returning an
// error for the rpc.Errors middleware to translate).
package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/merkle"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/rpc"
)

// Announcer is the subset of *p2p.Node the RPC layer needs: broadcasting a
// freshly-admitted transaction to connected peers, and reporting enough
// liveness state for get_node_info. Declared as an interface here (rather
// than importing internal/p2p directly) so the rpc/v1 package never
// depends on the transport layer's internals.
type Announcer interface {
	AnnounceTx(hash crypto.Hash)
	PeerCount() int
	ProtocolVersion() int
}

// Handlers holds every system a v1 route needs to serve a request.
type Handlers struct {
	Log     *zap.SugaredLogger
	Chain   *chain.Store
	Mempool *mempool.Mempool
	Node    Announcer
}

// SubmitTransaction implements submit_transaction(signed_tx) → tx_hash |
// error_kind: decodes one of the three user-signed transaction kinds,
// admits it to the mempool (which itself runs validator.ValidateTx), and
// on success announces it to connected peers.
func (h Handlers) SubmitTransaction(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	var req submitTxRequest
	if err := rpc.Decode(r, &req); err != nil {
		return err
	}

	t, err := decodeTx(req)
	if err != nil {
		return &rpc.ValidationError{Fields: map[string]string{"request": err.Error()}}
	}

	v, _ := rpc.GetValues(ctx)
	h.Log.Infow("submit transaction", "traceid", v.TraceID, "kind", t.Kind, "signer", t.Signer())

	// Mempool.Admit records its own accepted/rejected metric against
	// whatever Metrics it was wired with; this handler must not record a
	// second time against the same counter.
	if err := h.Mempool.Admit(t, h.Chain.TipState(), h.Chain, h.Chain.Params()); err != nil {
		return err
	}

	hash, err := t.ContentHash()
	if err != nil {
		return err
	}
	if h.Node != nil {
		h.Node.AnnounceTx(hash)
	}

	return rpc.Respond(ctx, w, submitTxResponse{TxHash: hash.String()}, http.StatusOK)
}

func decodeTx(req submitTxRequest) (tx.Tx, error) {
	switch req.Kind {
	case string(tx.KindPost):
		if req.Post == nil {
			return tx.Tx{}, errors.New("post payload missing")
		}
		author, err := crypto.ParsePublicKey(req.Post.Author)
		if err != nil {
			return tx.Tx{}, err
		}
		sig, err := crypto.ParseSignature(req.Post.Signature)
		if err != nil {
			return tx.Tx{}, err
		}
		var replyTo *crypto.Hash
		if req.Post.ReplyTo != "" {
			h, err := crypto.ParseHash(req.Post.ReplyTo)
			if err != nil {
				return tx.Tx{}, err
			}
			replyTo = &h
		}
		return tx.Tx{Kind: tx.KindPost, Post: &tx.Post{
			PostBody: tx.PostBody{
				Author: author, Nonce: req.Post.Nonce, Timestamp: req.Post.Timestamp,
				Body: req.Post.Body, ReplyTo: replyTo, GasFee: req.Post.GasFee,
			},
			Signature: sig,
		}}, nil

	case string(tx.KindEndorse):
		if req.Endorse == nil {
			return tx.Tx{}, errors.New("endorse payload missing")
		}
		author, err := crypto.ParsePublicKey(req.Endorse.Author)
		if err != nil {
			return tx.Tx{}, err
		}
		target, err := crypto.ParseHash(req.Endorse.Target)
		if err != nil {
			return tx.Tx{}, err
		}
		sig, err := crypto.ParseSignature(req.Endorse.Signature)
		if err != nil {
			return tx.Tx{}, err
		}
		return tx.Tx{Kind: tx.KindEndorse, Endorse: &tx.Endorse{
			EndorseBody: tx.EndorseBody{
				Author: author, Nonce: req.Endorse.Nonce, Target: target,
				Amount: req.Endorse.Amount, Message: req.Endorse.Message, GasFee: req.Endorse.GasFee,
			},
			Signature: sig,
		}}, nil

	case string(tx.KindTransfer):
		if req.Transfer == nil {
			return tx.Tx{}, errors.New("transfer payload missing")
		}
		sender, err := crypto.ParsePublicKey(req.Transfer.Sender)
		if err != nil {
			return tx.Tx{}, err
		}
		recipient, err := crypto.ParsePublicKey(req.Transfer.Recipient)
		if err != nil {
			return tx.Tx{}, err
		}
		sig, err := crypto.ParseSignature(req.Transfer.Signature)
		if err != nil {
			return tx.Tx{}, err
		}
		return tx.Tx{Kind: tx.KindTransfer, Transfer: &tx.Transfer{
			TransferBody: tx.TransferBody{
				Sender: sender, Recipient: recipient, Amount: req.Transfer.Amount,
				Nonce: req.Transfer.Nonce, GasFee: req.Transfer.GasFee,
			},
			Signature: sig,
		}}, nil

	default:
		return tx.Tx{}, fmt.Errorf("unsupported kind %q", req.Kind)
	}
}

// GetBlock implements get_block(height_or_hash) → block | not_found. The
// path parameter is tried first as a decimal height, then as a hex block
// hash.
func (h Handlers) GetBlock(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	id := rpc.Param(r, "id")

	var b block.Block
	var ok bool
	if height, err := strconv.ParseUint(id, 10, 64); err == nil {
		b, ok = h.Chain.BlockByHeight(height)
	} else {
		hash, err := crypto.ParseHash(id)
		if err != nil {
			return &rpc.NotFoundError{Resource: "block"}
		}
		b, ok = h.Chain.BlockByHash(hash)
	}
	if !ok {
		return &rpc.NotFoundError{Resource: "block"}
	}

	dto, err := newBlockDTO(b)
	if err != nil {
		return err
	}
	return rpc.Respond(ctx, w, dto, http.StatusOK)
}

// GetLatestBlock implements get_latest_block() → header.
func (h Handlers) GetLatestBlock(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	b, _, _ := h.Chain.Tip()
	dto, err := newHeaderDTO(b.Header)
	if err != nil {
		return err
	}
	return rpc.Respond(ctx, w, dto, http.StatusOK)
}

// GetTransaction implements get_transaction(hash) → tx + inclusion proof
// | not_found. The inclusion proof is a Merkle path against the
// confirming block's tx_merkle_root.
func (h Handlers) GetTransaction(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	hash, err := crypto.ParseHash(rpc.Param(r, "hash"))
	if err != nil {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	height, ok := h.Chain.TxLocation(hash)
	if !ok {
		return &rpc.NotFoundError{Resource: "transaction"}
	}
	b, ok := h.Chain.BlockByHeight(height)
	if !ok {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	var found *tx.Tx
	for i := range b.Txs {
		if ch, err := b.Txs[i].ContentHash(); err == nil && ch == hash {
			found = &b.Txs[i]
			break
		}
	}
	if found == nil {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	dto, err := newTxDTO(*found)
	if err != nil {
		return err
	}

	tree, err := merkle.NewTree(b.Txs)
	if err != nil {
		return err
	}
	path, order, err := tree.Proof(*found)
	if err != nil {
		return err
	}

	resp := struct {
		Tx          txDTO    `json:"transaction"`
		BlockHeight uint64   `json:"block_height"`
		Proof       proofDTO `json:"proof"`
	}{
		Tx:          dto,
		BlockHeight: height,
		Proof:       newProofDTO(hash, path, order, b.Header.TxMerkleRoot),
	}

	return rpc.Respond(ctx, w, resp, http.StatusOK)
}

// GetAccount implements get_account(pubkey) → {balance, nonce}. An
// account not present in the committed state set still answers with the
// implicit zero-balance, zero-nonce record, per account.New's contract.
func (h Handlers) GetAccount(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	key, err := crypto.ParsePublicKey(rpc.Param(r, "key"))
	if err != nil {
		return &rpc.NotFoundError{Resource: "account"}
	}

	a := h.Chain.TipState().Account(key)
	return rpc.Respond(ctx, w, accountDTO{Key: a.Key.String(), Balance: a.Balance, Nonce: a.Nonce}, http.StatusOK)
}

// GetMempool implements get_mempool() → [hash].
func (h Handlers) GetMempool(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	hashes := h.Mempool.Hashes()
	out := make([]string, len(hashes))
	for i, hh := range hashes {
		out[i] = hh.String()
	}
	return rpc.Respond(ctx, w, out, http.StatusOK)
}

// GetNodeInfo implements get_node_info() → {height, peer_count,
// mempool_size, protocol_version}, carried over from
// original_source/jiji/rpc/server.py's method of the same name (a
// liveness/introspection endpoint spec.md's distillation dropped).
func (h Handlers) GetNodeInfo(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	_, _, height := h.Chain.Tip()

	info := nodeInfoDTO{
		Height:      height,
		MempoolSize: h.Mempool.Count(),
	}
	if h.Node != nil {
		info.PeerCount = h.Node.PeerCount()
		info.ProtocolVersion = h.Node.ProtocolVersion()
	}

	return rpc.Respond(ctx, w, info, http.StatusOK)
}

// GetMerkleProof implements get_merkle_proof(tx_hash) → path: the same
// inclusion path GetTransaction embeds, served standalone for a client
// that already has the transaction body and only needs the proof.
func (h Handlers) GetMerkleProof(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	hash, err := crypto.ParseHash(rpc.Param(r, "hash"))
	if err != nil {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	height, ok := h.Chain.TxLocation(hash)
	if !ok {
		return &rpc.NotFoundError{Resource: "transaction"}
	}
	b, ok := h.Chain.BlockByHeight(height)
	if !ok {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	var found *tx.Tx
	for i := range b.Txs {
		if ch, err := b.Txs[i].ContentHash(); err == nil && ch == hash {
			found = &b.Txs[i]
			break
		}
	}
	if found == nil {
		return &rpc.NotFoundError{Resource: "transaction"}
	}

	tree, err := merkle.NewTree(b.Txs)
	if err != nil {
		return err
	}
	path, order, err := tree.Proof(*found)
	if err != nil {
		return err
	}

	return rpc.Respond(ctx, w, newProofDTO(hash, path, order, b.Header.TxMerkleRoot), http.StatusOK)
}

// GetStateProof implements get_state_proof(pubkey) → path: a Merkle
// inclusion path for the account's leaf against the tip block's
// state_root.
func (h Handlers) GetStateProof(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
	key, err := crypto.ParsePublicKey(rpc.Param(r, "key"))
	if err != nil {
		return &rpc.NotFoundError{Resource: "account"}
	}

	tip, _, _ := h.Chain.Tip()
	accounts := h.Chain.TipState().All()

	path, order, ok, err := account.Proof(accounts, key)
	if err != nil {
		return err
	}
	if !ok {
		return &rpc.NotFoundError{Resource: "account has no committed state leaf (implicit zero balance)"}
	}

	leaf := account.New(key)
	for _, a := range accounts {
		if a.Key == key {
			leaf = a
			break
		}
	}

	return rpc.Respond(ctx, w, newProofDTO(leaf.Hash(), path, order, tip.Header.StateRoot), http.StatusOK)
}
