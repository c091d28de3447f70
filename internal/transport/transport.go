// Package transport moves encoded messages between node addresses. The
// protocol core only sees the Transport interface; memory, gRPC and QUIC
// implementations live here.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")
	// ErrUnreachable is returned when nothing listens at the destination.
	ErrUnreachable = errors.New("destination unreachable")
)

// Receiver is notified once per inbound message. source is the sender's
// advertised listen address, so replies can be sent straight back to it.
type Receiver interface {
	Receive(ctx context.Context, data []byte, source string)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, data []byte, source string)

func (f ReceiverFunc) Receive(ctx context.Context, data []byte, source string) {
	f(ctx, data, source)
}

// Transport is the send-to-address / receive-callback capability a node runs on.
type Transport interface {
	// Serve binds the listener and starts delivering inbound messages to r in
	// the background. It returns once the transport is reachable.
	Serve(r Receiver) error
	// Send hands data to the peer listening at addr.
	Send(ctx context.Context, addr string, data []byte) error
	// Address is the advertised host:port peers use to reach this node.
	Address() string
	// Close stops the listener and releases outbound connections.
	Close() error
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindGRPC   Kind = "grpc"
	KindQUIC   Kind = "quic"
	KindMemory Kind = "memory"
)

// ParseKind validates a configured transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGRPC, KindQUIC, KindMemory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q (use grpc, quic or memory)", s)
	}
}
