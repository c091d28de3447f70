// Package message defines the envelope exchanged between overlay nodes and
// the bodies of the reserved protocol messages.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved message types. Application-defined types must not collide with these.
const (
	TypeJoin         = "JOIN"
	TypeJoinResponse = "JOIN_RESPONSE"
	TypeNewPeer      = "NEW_PEER"
	TypeLeave        = "LEAVE"
	TypeAcknowledge  = "ACKNOWLEDGE"
	TypePing         = "PING"
	TypePingResponse = "PING_RESPONSE"
)

var reserved = map[string]struct{}{
	TypeJoin:         {},
	TypeJoinResponse: {},
	TypeNewPeer:      {},
	TypeLeave:        {},
	TypeAcknowledge:  {},
	TypePing:         {},
	TypePingResponse: {},
}

var (
	// ErrReservedType rejects application use of a reserved message type.
	ErrReservedType = errors.New("message type is reserved")
	// ErrNoIdentity is returned when an operation needs the node's identity
	// before one was assigned.
	ErrNoIdentity = errors.New("no identity assigned")
)

// IsReserved reports whether msgType belongs to the membership protocol.
func IsReserved(msgType string) bool {
	_, ok := reserved[msgType]
	return ok
}

// EmptyIdentity marks a node that has not joined yet. It travels on the wire
// as the original sender of JOIN requests.
var EmptyIdentity = uuid.Nil.String()

// NewIdentity mints a fresh 128-bit peer identity.
func NewIdentity() string {
	return uuid.NewString()
}

// IsEmptyIdentity reports whether id is unset or the empty sentinel.
func IsEmptyIdentity(id string) bool {
	return id == "" || id == EmptyIdentity
}

// Message is the envelope routed between nodes.
// SenderAddress and ReceiverAddress are filled in by the receiving side and
// never serialized.
type Message struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	CreatedAt        time.Time `json:"createdAt"`
	OriginalSenderID string    `json:"originalSenderId,omitempty"`
	Body             string    `json:"body,omitempty"`
	CorrelationID    string    `json:"correlationId"`

	SenderAddress   string `json:"-"`
	ReceiverAddress string `json:"-"`
}

// New builds a top-level message. Its correlation id equals its own id.
func New(msgType, body, originalSender string) *Message {
	id := uuid.NewString()
	return &Message{
		ID:               id,
		Type:             msgType,
		CreatedAt:        time.Now().UTC(),
		OriginalSenderID: originalSender,
		Body:             body,
		CorrelationID:    id,
	}
}

// Fork returns a copy with a fresh id, used for broadcast fan-out. A forked
// top-level message stays top-level; a forked reply keeps its correlation.
func (m *Message) Fork() *Message {
	cp := *m
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now().UTC()
	if m.IsTopLevel() {
		cp.CorrelationID = cp.ID
	}
	cp.SenderAddress = ""
	cp.ReceiverAddress = ""
	return &cp
}

// IsTopLevel reports whether the message is a request rather than a reply.
func (m *Message) IsTopLevel() bool {
	return m.CorrelationID == "" || m.CorrelationID == m.ID
}

// IsOlderThan reports whether the message was created before t.
func (m *Message) IsOlderThan(t time.Time) bool {
	return m.CreatedAt.Before(t)
}

// Encode serializes the message for the wire.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	return json.Marshal(m)
}

// Decode parses a wire message and checks the fields every message must carry.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode message %s: missing type", m.ID)
	}
	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}
	return &m, nil
}
