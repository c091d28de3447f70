package message

import (
	"encoding/json"
	"fmt"
)

// JoinRequest is the body of a JOIN message.
type JoinRequest struct {
	PeerType   string `json:"peerType"`
	ListenPort string `json:"listenPort"`
}

// PeerEntry describes how to reach a peer inside a body.
type PeerEntry struct {
	Address  string `json:"address"`
	Port     string `json:"port,omitempty"`
	PeerType string `json:"peerType"`
}

// TableEntry is one [identity, peerNode] pair of a routing table snapshot.
// It is encoded as a two element JSON array.
type TableEntry struct {
	Identity string
	Peer     PeerEntry
}

func (e TableEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Identity, e.Peer})
}

func (e *TableEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("table entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Identity); err != nil {
		return fmt.Errorf("table entry identity: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Peer); err != nil {
		return fmt.Errorf("table entry peer: %w", err)
	}
	return nil
}

// JoinResponse is the body of a JOIN_RESPONSE message.
type JoinResponse struct {
	NewIdentity      string       `json:"newIdentity"`
	ResponderAddress string       `json:"responderAddress"`
	RoutingTable     []TableEntry `json:"routingTable"`
}

// NewPeer is the body of a NEW_PEER announcement.
type NewPeer struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
	Port     string `json:"port,omitempty"`
	PeerType string `json:"peerType"`
}

// Acknowledge is the body of an ACKNOWLEDGE message.
type Acknowledge struct {
	ReferencedMessageID string `json:"referencedMessageId"`
}

// EncodeBody marshals a body struct into the string carried by Message.Body.
func EncodeBody(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(b), nil
}

// DecodeBody unmarshals the body of m into v.
func DecodeBody(m *Message, v any) error {
	if m.Body == "" {
		return fmt.Errorf("%s %s: empty body", m.Type, m.ID)
	}
	if err := json.Unmarshal([]byte(m.Body), v); err != nil {
		return fmt.Errorf("%s %s: malformed body: %w", m.Type, m.ID, err)
	}
	return nil
}
