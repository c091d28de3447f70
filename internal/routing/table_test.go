package routing_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
)

func node(host, port, typ string) routing.PeerNode {
	return routing.PeerNode{Address: host, Port: port, PeerType: typ}
}

func identities(tbl *routing.Table) []string {
	var out []string
	for _, e := range tbl.Entries() {
		out = append(out, e.Identity)
	}
	return out
}

func TestAddAndLookup(t *testing.T) {
	tbl := routing.NewTable()
	tbl.AddPeer("a", node("10.0.0.1", "7000", "validator"))

	p, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", p.Endpoint())
	assert.Equal(t, 1, tbl.Len())

	// last write wins
	tbl.AddPeer("a", node("10.0.0.2", "7000", "wallet"))
	p, _ = tbl.Lookup("a")
	assert.Equal(t, "10.0.0.2", p.Address)
	assert.Equal(t, 1, tbl.Len())
}

func TestEmptyIdentityNeverStored(t *testing.T) {
	tbl := routing.NewTable()
	tbl.AddPeer(message.EmptyIdentity, node("10.0.0.1", "7000", "validator"))
	tbl.AddPeer("", node("10.0.0.1", "7000", "validator"))
	assert.Equal(t, 0, tbl.Len())
}

func TestRemovePeerAbsentIsNoop(t *testing.T) {
	tbl := routing.NewTable()
	tbl.AddPeer("a", node("10.0.0.1", "7000", "validator"))
	assert.False(t, tbl.RemovePeer("missing"))
	assert.True(t, tbl.RemovePeer("a"))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, identities(tbl))
}

func TestRemovePeerByAddress(t *testing.T) {
	tbl := routing.NewTable()
	tbl.AddPeer("a", node("10.0.0.1", "7000", "validator"))
	tbl.AddPeer("b", node("10.0.0.1", "7000", "wallet"))
	tbl.AddPeer("c", node("10.0.0.1", "7001", "wallet"))
	tbl.AddPeer("d", node("10.0.0.2", "7000", "wallet"))

	removed := tbl.RemovePeerByAddress("10.0.0.1:7000")
	assert.ElementsMatch(t, []string{"a", "b"}, removed)
	assert.Equal(t, []string{"c", "d"}, identities(tbl))

	removed = tbl.RemovePeerByAddress("10.0.0.1")
	assert.Equal(t, []string{"c"}, removed)
	assert.Equal(t, []string{"d"}, identities(tbl))
}

func TestPeerOfTypeFirstMatch(t *testing.T) {
	tbl := routing.NewTable()
	tbl.AddPeer("a", node("10.0.0.1", "7000", "validator"))
	tbl.AddPeer("b", node("10.0.0.2", "7000", "wallet"))
	tbl.AddPeer("c", node("10.0.0.3", "7000", "wallet"))

	id, p, ok := tbl.PeerOfType("wallet")
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, "10.0.0.2", p.Address)

	_, _, ok = tbl.PeerOfType("smart_contract_engine")
	assert.False(t, ok)
}

func TestMergeDisjointIsUnion(t *testing.T) {
	a := routing.NewTable()
	a.AddPeer("a1", node("10.0.0.1", "7000", "validator"))
	a.AddPeer("a2", node("10.0.0.2", "7000", "wallet"))
	b := routing.NewTable()
	b.AddPeer("b1", node("10.0.1.1", "7000", "validator"))
	b.AddPeer("b2", node("10.0.1.2", "7000", "initial_peer"))

	a.Merge(b)
	assert.Equal(t, 4, a.Len())
	for _, src := range []*routing.Table{a, b} {
		for _, e := range src.Entries() {
			got, ok := a.Lookup(e.Identity)
			require.True(t, ok, e.Identity)
			assert.Equal(t, e.Peer, got)
		}
	}
	// the source is untouched
	assert.Equal(t, 2, b.Len())
}

func TestMergeCollisionIncomingWins(t *testing.T) {
	local := routing.NewTable()
	local.AddPeer("x", node("10.0.0.1", "7000", "validator"))
	remote := routing.NewTable()
	remote.AddPeer("x", node("10.9.9.9", "7999", "validator"))

	local.Merge(remote)
	p, _ := local.Lookup("x")
	assert.Equal(t, "10.9.9.9:7999", p.Endpoint())
}

func TestCloneIndependence(t *testing.T) {
	orig := routing.NewTable()
	orig.AddPeer("a", node("10.0.0.1", "7000", "validator"))

	clone := orig.Clone()
	clone.AddPeer("b", node("10.0.0.2", "7000", "wallet"))
	clone.RemovePeer("a")
	assert.True(t, orig.Contains("a"))
	assert.False(t, orig.Contains("b"))

	orig.AddPeer("c", node("10.0.0.3", "7000", "wallet"))
	orig.AddPeer("a", node("10.0.0.9", "7000", "wallet"))
	assert.False(t, clone.Contains("c"))
	assert.False(t, clone.Contains("a"))
	assert.Equal(t, []string{"b"}, identities(clone))
}

func TestWireConversion(t *testing.T) {
	entries := []routing.Entry{{Identity: "a", Peer: node("10.0.0.1", "7000", "validator")}}
	back := routing.FromWire(routing.ToWire(entries))
	assert.Equal(t, entries, back)
}

func TestPeerNodeFromEndpoint(t *testing.T) {
	p := routing.PeerNodeFromEndpoint("127.0.0.1:9000", "wallet")
	assert.Equal(t, node("127.0.0.1", "9000", "wallet"), p)

	p = routing.PeerNodeFromEndpoint("[::1]:9000", "wallet")
	assert.Equal(t, "[::1]:9000", p.Endpoint())

	p = routing.PeerNodeFromEndpoint("localhost", "wallet")
	assert.Equal(t, "localhost", p.Endpoint())
}

func TestErrors(t *testing.T) {
	var err error = &routing.UnknownDestinationError{Identity: "abc-123"}
	assert.Contains(t, err.Error(), "abc-123")

	var ud *routing.UnknownDestinationError
	assert.True(t, errors.As(fmt.Errorf("send: %w", err), &ud))
	assert.Equal(t, "abc-123", ud.Identity)

	err = &routing.PeerNotPresentError{PeerType: "wallet"}
	assert.Contains(t, err.Error(), "wallet")
}

func TestConcurrentAccess(t *testing.T) {
	tbl := routing.NewTable()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("peer-%d-%d", w, i)
				tbl.AddPeer(id, node("10.0.0.1", fmt.Sprint(7000+i), "validator"))
				_ = tbl.Clone()
				_, _, _ = tbl.PeerOfType("validator")
				tbl.MergeEntries([]routing.Entry{{Identity: id + "-m", Peer: node("10.0.0.2", "1", "wallet")}})
				if i%2 == 0 {
					tbl.RemovePeer(id)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8*250+8*500, tbl.Len())
	assert.Len(t, tbl.Entries(), tbl.Len())
}
