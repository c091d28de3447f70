package routing

import "github.com/iggydv12/overlay/internal/message"

// ToWire converts table entries into a JOIN_RESPONSE snapshot.
func ToWire(entries []Entry) []message.TableEntry {
	out := make([]message.TableEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, message.TableEntry{
			Identity: e.Identity,
			Peer: message.PeerEntry{
				Address:  e.Peer.Address,
				Port:     e.Peer.Port,
				PeerType: e.Peer.PeerType,
			},
		})
	}
	return out
}

// FromWire converts a received snapshot into table entries.
func FromWire(entries []message.TableEntry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Identity: e.Identity,
			Peer: PeerNode{
				Address:  e.Peer.Address,
				Port:     e.Peer.Port,
				PeerType: e.Peer.PeerType,
			},
		})
	}
	return out
}
