package node

import (
	"errors"
	"fmt"

	"github.com/iggydv12/overlay/internal/message"
)

var (
	// ErrReservedType rejects application sends and handlers that use a
	// membership protocol message type.
	ErrReservedType = message.ErrReservedType
	// ErrNoSeedReachable is returned by Bootstrap when no seed answered the JOIN.
	ErrNoSeedReachable = errors.New("no seed reachable")
	// ErrNotMember is returned by operations that need an identity.
	ErrNotMember = fmt.Errorf("node is not a member of the overlay: %w", message.ErrNoIdentity)
)
