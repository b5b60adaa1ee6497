// Package p2p implements the framed binary gossip/sync protocol nodes use
// to exchange transactions and blocks: a 4-byte big-endian length, a 1-byte
// message-type tag, and a canonically-encoded payload (spec.md §4.7/§6).
// Connection and peer-set management follows the teacher's ticker-driven
// worker pattern (foundation/blockchain/worker), generalized to this
// protocol's message set and added rate limiting/misbehavior scoring.
package p2p

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/canon"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/tx"
)

// Type identifies a message's wire tag.
type Type uint8

// The message types spec.md §4.7 defines.
const (
	TypeHandshake Type = iota + 1
	TypePeersRequest
	TypePeersResponse
	TypeTxAnnounce
	TypeTxRequest
	TypeTxResponse
	TypeBlockAnnounce
	TypeBlockRequest
	TypeBlockResponse
	TypeSyncRequest
	TypeSyncResponse
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypePeersRequest:
		return "PEERS_REQUEST"
	case TypePeersResponse:
		return "PEERS_RESPONSE"
	case TypeTxAnnounce:
		return "TX_ANNOUNCE"
	case TypeTxRequest:
		return "TX_REQUEST"
	case TypeTxResponse:
		return "TX_RESPONSE"
	case TypeBlockAnnounce:
		return "BLOCK_ANNOUNCE"
	case TypeBlockRequest:
		return "BLOCK_REQUEST"
	case TypeBlockResponse:
		return "BLOCK_RESPONSE"
	case TypeSyncRequest:
		return "SYNC_REQUEST"
	case TypeSyncResponse:
		return "SYNC_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ProtocolVersion is the version this node speaks. A peer reporting a
// different major version is treated as incompatible.
const ProtocolVersion = 1

// MaxFrameSize bounds a single frame's payload size, guarding against a
// peer claiming an enormous length prefix and exhausting memory.
const MaxFrameSize = 8 << 20 // 8 MiB, comfortably above BlockSizeLimit

// MaxSyncBatch caps how many blocks a single SYNC_RESPONSE carries, per
// spec.md §4.7's "capped at K blocks per response."
const MaxSyncBatch = 500

// MaxPeersPerResponse caps how many addresses a single PEERS_RESPONSE
// carries.
const MaxPeersPerResponse = 64

// =============================================================================
// Payload types. Each is canon-encoded directly as a frame's payload; field
// names fall back to their Go identifiers since none carry a canon tag
// (these are wire envelopes, not consensus-hashed objects — no cross-node
// agreement on tag spelling is required beyond decoding correctly).

// Handshake is the mandatory first message on every connection.
type Handshake struct {
	Version     uint8
	Height      uint64
	GenesisHash crypto.Hash
}

// PeersRequest asks a peer for addresses it knows about.
type PeersRequest struct {
	Max uint16
}

// PeersResponse answers a PeersRequest.
type PeersResponse struct {
	Addrs []string
}

// TxAnnounce tells a peer about a transaction by content hash only.
type TxAnnounce struct {
	Hash crypto.Hash
}

// TxRequest asks a peer for the full transaction behind a hash.
type TxRequest struct {
	Hash crypto.Hash
}

// TxResponse carries a full transaction.
type TxResponse struct {
	Tx tx.Tx
}

// BlockAnnounce tells a peer about a block by hash and height.
type BlockAnnounce struct {
	Hash   crypto.Hash
	Height uint64
}

// BlockRequest asks a peer for a full block by hash.
type BlockRequest struct {
	Hash crypto.Hash
}

// BlockResponse carries a full block.
type BlockResponse struct {
	Block block.Block
}

// SyncRequest asks for a contiguous run of blocks by height, used for
// initial catch-up and for pulling a side branch a peer announced.
type SyncRequest struct {
	FromHeight uint64
	ToHeight   uint64
}

// SyncResponse answers a SyncRequest with blocks in ascending height order,
// capped at MaxSyncBatch regardless of the range requested.
type SyncResponse struct {
	Blocks []block.Block
}

// =============================================================================

// WriteFrame canonically encodes payload and writes it to w as
// length-prefixed frame: 4-byte big-endian length (of typ+payload),
// 1-byte type tag, payload bytes.
func WriteFrame(w io.Writer, typ Type, payload any) error {
	body, err := canon.Encode(payload)
	if err != nil {
		return fmt.Errorf("p2p: encoding %s payload: %w", typ, err)
	}
	if len(body)+1 > MaxFrameSize {
		return fmt.Errorf("p2p: %s payload of %d bytes exceeds frame limit", typ, len(body))
	}

	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)+1))
	frame[4] = byte(typ)
	copy(frame[5:], body)

	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r and returns its type tag
// and raw payload bytes, not yet decoded into a concrete payload type.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("p2p: zero-length frame")
	}
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("p2p: frame of %d bytes exceeds limit %d", n, MaxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return Type(body[0]), body[1:], nil
}
