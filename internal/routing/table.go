// Package routing holds a node's view of the overlay: a mapping from peer
// identity to the address and role of that peer.
package routing

import (
	"net"
	"sync"

	"github.com/iggydv12/overlay/internal/message"
)

// PeerNode describes how to reach a peer and what role it plays.
type PeerNode struct {
	Address  string // host
	Port     string
	PeerType string
}

// Endpoint returns the dialable host:port of the peer.
func (p PeerNode) Endpoint() string {
	if p.Port == "" {
		return p.Address
	}
	return net.JoinHostPort(p.Address, p.Port)
}

// PeerNodeFromEndpoint splits a host:port address into a PeerNode.
func PeerNodeFromEndpoint(endpoint, peerType string) PeerNode {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return PeerNode{Address: endpoint, PeerType: peerType}
	}
	return PeerNode{Address: host, Port: port, PeerType: peerType}
}

// Entry is one identity → PeerNode pair.
type Entry struct {
	Identity string
	Peer     PeerNode
}

// Table maps peer identities to PeerNodes. Iteration follows first-insertion
// order, which makes PeerOfType deterministic.
type Table struct {
	mu    sync.RWMutex
	peers map[string]PeerNode
	order []string
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{peers: make(map[string]PeerNode)}
}

// AddPeer inserts or overwrites the entry for identity.
func (t *Table) AddPeer(identity string, peer PeerNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(identity, peer)
}

// addLocked must be called with the write lock held (or on an unshared table).
func (t *Table) addLocked(identity string, peer PeerNode) {
	if message.IsEmptyIdentity(identity) {
		return
	}
	if _, ok := t.peers[identity]; !ok {
		t.order = append(t.order, identity)
	}
	t.peers[identity] = peer
}

// RemovePeer deletes the entry for identity. Absent identities are ignored.
func (t *Table) RemovePeer(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[identity]; !ok {
		return false
	}
	delete(t.peers, identity)
	t.compactLocked()
	return true
}

// RemovePeerByAddress deletes every entry reachable at address. A host:port
// address matches the entry's endpoint; a bare host matches the entry's host.
// It returns the identities that were removed.
func (t *Table) RemovePeerByAddress(address string) []string {
	_, _, err := net.SplitHostPort(address)
	hostOnly := err != nil

	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for _, id := range t.order {
		p := t.peers[id]
		if (hostOnly && p.Address == address) || (!hostOnly && p.Endpoint() == address) {
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.compactLocked()
	}
	return removed
}

// compactLocked drops identities no longer present from the iteration order.
func (t *Table) compactLocked() {
	kept := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.peers[id]; ok {
			kept = append(kept, id)
		}
	}
	t.order = kept
}

// Lookup returns the PeerNode stored for identity.
func (t *Table) Lookup(identity string) (PeerNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[identity]
	return p, ok
}

// Contains reports whether identity has an entry.
func (t *Table) Contains(identity string) bool {
	_, ok := t.Lookup(identity)
	return ok
}

// PeerOfType returns the first peer, in iteration order, playing peerType.
func (t *Table) PeerOfType(peerType string) (string, PeerNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		if p := t.peers[id]; p.PeerType == peerType {
			return id, p, true
		}
	}
	return "", PeerNode{}, false
}

// Merge unions other into t. On identity collision the incoming entry wins,
// so callers must merge from the most authoritative view.
func (t *Table) Merge(other *Table) {
	if other == nil || other == t {
		return
	}
	incoming := other.Entries()
	t.MergeEntries(incoming)
}

// MergeEntries is Merge for a snapshot received over the wire.
func (t *Table) MergeEntries(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.addLocked(e.Identity, e.Peer)
	}
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Table{
		peers: make(map[string]PeerNode, len(t.peers)),
		order: make([]string, len(t.order)),
	}
	copy(c.order, t.order)
	for id, p := range t.peers {
		c.peers[id] = p
	}
	return c
}

// Entries returns a snapshot of the table in iteration order.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, Entry{Identity: id, Peer: t.peers[id]})
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Clear empties the table.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]PeerNode)
	t.order = nil
}
