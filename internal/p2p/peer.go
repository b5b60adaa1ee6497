package p2p

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postchain/postchain/internal/blockchain/canon"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
)

// misbehaviorDisconnectThreshold is the cumulative misbehavior score at
// which a peer is disconnected, per spec.md §4.7's "thresholds trigger
// disconnect and temporary ban."
const misbehaviorDisconnectThreshold = 10

// banDuration is how long a peer's address is refused reconnection after
// crossing misbehaviorDisconnectThreshold, the "temporary ban" half of
// spec.md §4.7.
const banDuration = 10 * time.Minute

// requestTimeout bounds how long an outbound request waits for its
// response before the peer's score is adjusted downward, per spec.md §5.
const requestTimeout = 10 * time.Second

// Peer is one handshaken connection to another node. All exported methods
// are safe for concurrent use.
type Peer struct {
	conn    net.Conn
	addr    string
	genesis crypto.Hash

	height atomic.Uint64

	writeMu sync.Mutex

	misbehavior atomic.Int32
	banUntil    atomic.Int64 // unix seconds; 0 means not banned
	disconnect  chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	pending map[Type]chan []byte // one in-flight request per response type
}

func newPeer(conn net.Conn, genesis crypto.Hash, height uint64) *Peer {
	p := &Peer{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		genesis:    genesis,
		disconnect: make(chan struct{}),
		pending:    make(map[Type]chan []byte),
	}
	p.height.Store(height)
	return p
}

// Addr is the peer's remote network address.
func (p *Peer) Addr() string { return p.addr }

// Height is the peer's chain height as of its last HANDSHAKE or
// BLOCK_ANNOUNCE.
func (p *Peer) Height() uint64 { return p.height.Load() }

// Misbehavior returns the peer's current cumulative misbehavior score.
func (p *Peer) Misbehavior() int32 { return p.misbehavior.Load() }

// BanExpiry returns the unix-seconds time until which this peer's address
// is banned, or 0 if it was never banned.
func (p *Peer) BanExpiry() int64 { return p.banUntil.Load() }

// Negotiate performs the mandatory first exchange on a freshly dialed or
// accepted connection: send this node's HANDSHAKE, then read the peer's,
// disconnecting immediately on a version or genesis mismatch per spec.md
// §4.7.
func Negotiate(conn net.Conn, genesis crypto.Hash, height uint64) (*Peer, error) {
	deadline := time.Now().Add(requestTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	self := Handshake{Version: ProtocolVersion, Height: height, GenesisHash: genesis}
	if err := WriteFrame(conn, TypeHandshake, self); err != nil {
		return nil, fmt.Errorf("p2p: sending handshake: %w", err)
	}

	typ, body, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("p2p: reading handshake: %w", err)
	}
	if typ != TypeHandshake {
		return nil, errs.Newf(errs.PeerProtocol, "expected HANDSHAKE as first message, got %s", typ)
	}

	var hs Handshake
	if err := canon.Decode(body, &hs); err != nil {
		return nil, errs.New(errs.PeerProtocol, err)
	}
	if hs.Version != ProtocolVersion {
		return nil, errs.Newf(errs.PeerProtocol, "incompatible protocol version %d, want %d", hs.Version, ProtocolVersion)
	}
	if hs.GenesisHash != genesis {
		return nil, errs.Newf(errs.PeerProtocol, "genesis hash mismatch")
	}

	return newPeer(conn, genesis, hs.Height), nil
}

// send writes one frame, serializing concurrent senders.
func (p *Peer) send(typ Type, payload any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})
	return WriteFrame(p.conn, typ, payload)
}

// Notify sends typ/payload without waiting for a reply, used for
// announcements and responses.
func (p *Peer) Notify(typ Type, payload any) error {
	return p.send(typ, payload)
}

// request sends typ/payload and waits up to requestTimeout for the next
// frame of type waitFor. Only one request awaiting a given response type
// may be in flight per peer at a time.
func (p *Peer) request(typ Type, payload any, waitFor Type) ([]byte, error) {
	ch := make(chan []byte, 1)

	p.mu.Lock()
	if _, exists := p.pending[waitFor]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("p2p: a %s request is already in flight to %s", waitFor, p.addr)
	}
	p.pending[waitFor] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, waitFor)
		p.mu.Unlock()
	}()

	if err := p.send(typ, payload); err != nil {
		return nil, err
	}

	select {
	case body := <-ch:
		return body, nil
	case <-time.After(requestTimeout):
		p.AddMisbehavior(1)
		return nil, fmt.Errorf("p2p: %s to %s timed out waiting for %s", typ, p.addr, waitFor)
	case <-p.disconnect:
		return nil, fmt.Errorf("p2p: peer %s disconnected", p.addr)
	}
}

// deliver routes an inbound frame to a waiting request, if any. It returns
// true if the frame was consumed as a reply and should not be dispatched
// as an unsolicited message.
func (p *Peer) deliver(typ Type, body []byte) bool {
	p.mu.Lock()
	ch, ok := p.pending[typ]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- body:
	default:
	}
	return true
}

// AddMisbehavior increments the peer's misbehavior score and, once the
// threshold is crossed, records a temporary ban expiry before
// disconnecting.
func (p *Peer) AddMisbehavior(n int32) {
	if p.misbehavior.Add(n) >= misbehaviorDisconnectThreshold {
		p.banUntil.Store(time.Now().Add(banDuration).Unix())
		p.Close()
	}
}

// Close terminates the connection. Safe to call more than once and from
// multiple goroutines.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.disconnect)
		_ = p.conn.Close()
	})
}

// Done reports the channel closed when the peer disconnects.
func (p *Peer) Done() <-chan struct{} { return p.disconnect }
