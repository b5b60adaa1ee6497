package p2p_test

import (
	"net"
	"testing"
	"time"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/p2p"
)

// tcpPipe opens a loopback TCP connection pair. Unlike net.Pipe, writes are
// kernel-buffered rather than synchronous, so both ends of a handshake can
// write before either reads without deadlocking.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %s", err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %s", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accepting: %s", res.err)
	}
	return client, res.conn
}

func Test_NegotiateSucceedsWithMatchingGenesis(t *testing.T) {
	t.Log("Given two ends of a connection agreeing on genesis and version.")
	{
		genesis := crypto.HashBytes([]byte("genesis"))
		a, b := tcpPipe(t)

		type result struct {
			peer *p2p.Peer
			err  error
		}
		resA := make(chan result, 1)
		resB := make(chan result, 1)

		go func() {
			p, err := p2p.Negotiate(a, genesis, 10)
			resA <- result{p, err}
		}()
		go func() {
			p, err := p2p.Negotiate(b, genesis, 20)
			resB <- result{p, err}
		}()

		ra := <-resA
		rb := <-resB

		if ra.err != nil {
			t.Fatalf("\t%s\tSide A should negotiate successfully : %s", failed, ra.err)
		}
		if rb.err != nil {
			t.Fatalf("\t%s\tSide B should negotiate successfully : %s", failed, rb.err)
		}
		t.Logf("\t%s\tShould negotiate successfully on both ends.", success)

		if ra.peer.Height() != 20 {
			t.Fatalf("\t%s\tSide A should learn B's height : got %d", failed, ra.peer.Height())
		}
		if rb.peer.Height() != 10 {
			t.Fatalf("\t%s\tSide B should learn A's height : got %d", failed, rb.peer.Height())
		}
		t.Logf("\t%s\tShould exchange each side's reported height.", success)
	}
}

func Test_NegotiateRejectsVersionMismatch(t *testing.T) {
	t.Log("Given a peer announcing an incompatible protocol version.")
	{
		genesis := crypto.HashBytes([]byte("genesis"))
		a, b := tcpPipe(t)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p2p.WriteFrame(b, p2p.TypeHandshake, p2p.Handshake{
				Version: p2p.ProtocolVersion + 1, Height: 1, GenesisHash: genesis,
			})
			_, _, _ = p2p.ReadFrame(b)
		}()

		_, err := p2p.Negotiate(a, genesis, 1)
		<-done

		if err == nil {
			t.Fatalf("\t%s\tShould reject a mismatched protocol version", failed)
		}
		t.Logf("\t%s\tShould reject a mismatched protocol version.", success)
	}
}

func Test_NegotiateRejectsGenesisMismatch(t *testing.T) {
	t.Log("Given a peer on a different genesis block.")
	{
		genesisA := crypto.HashBytes([]byte("genesis-a"))
		genesisB := crypto.HashBytes([]byte("genesis-b"))
		a, b := tcpPipe(t)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p2p.WriteFrame(b, p2p.TypeHandshake, p2p.Handshake{
				Version: p2p.ProtocolVersion, Height: 1, GenesisHash: genesisB,
			})
			_, _, _ = p2p.ReadFrame(b)
		}()

		_, err := p2p.Negotiate(a, genesisA, 1)
		<-done

		if err == nil {
			t.Fatalf("\t%s\tShould reject a mismatched genesis hash", failed)
		}
		t.Logf("\t%s\tShould reject a mismatched genesis hash.", success)
	}
}

func Test_PeerDisconnectsAfterMisbehaviorThreshold(t *testing.T) {
	t.Log("Given a peer accumulating misbehavior past the disconnect threshold.")
	{
		genesis := crypto.HashBytes([]byte("genesis"))
		a, b := tcpPipe(t)
		defer b.Close()

		resA := make(chan *p2p.Peer, 1)
		go func() {
			p, _ := p2p.Negotiate(a, genesis, 1)
			resA <- p
		}()
		go func() {
			_, _ = p2p.Negotiate(b, genesis, 1)
		}()

		peer := <-resA
		if peer == nil {
			t.Fatalf("\t%s\tShould have negotiated a peer to test against", failed)
		}

		peer.AddMisbehavior(10)

		select {
		case <-peer.Done():
			t.Logf("\t%s\tShould disconnect once the misbehavior threshold is crossed.", success)
		case <-time.After(time.Second):
			t.Fatalf("\t%s\tShould disconnect once the misbehavior threshold is crossed", failed)
		}

		if until := peer.BanExpiry(); until <= time.Now().Unix() {
			t.Fatalf("\t%s\tShould record a future ban expiry : got %d", failed, until)
		}
		t.Logf("\t%s\tShould record a future ban expiry.", success)
	}
}
