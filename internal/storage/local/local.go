// Package local persists a node's identity and routing table between runs so
// a restarted node can rejoin through the peers it last knew.
package local

import (
	"context"
	"errors"

	"github.com/iggydv12/overlay/internal/routing"
)

// ErrNotFound is returned when nothing has been saved yet.
var ErrNotFound = errors.New("not found")

// PeerBook is the durable store for a node's overlay view.
type PeerBook interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// SaveIdentity records the node's last identity.
	SaveIdentity(identity string) error
	// Identity returns the last saved identity, or ErrNotFound.
	Identity() (string, error)
	// SaveTable replaces the saved routing table.
	SaveTable(entries []routing.Entry) error
	// LoadTable returns the saved table in its saved order.
	LoadTable() ([]routing.Entry, error)
	// Seeds returns the endpoints of the saved table.
	Seeds(ctx context.Context) ([]string, error)
	// Truncate deletes everything.
	Truncate() error
}
