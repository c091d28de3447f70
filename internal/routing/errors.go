package routing

import "fmt"

// UnknownDestinationError is returned when a message is sent to an identity
// that has no routing table entry.
type UnknownDestinationError struct {
	Identity string
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("unknown destination: could not find an address for %s", e.Identity)
}

// PeerNotPresentError is returned when no peer of the required type is known.
type PeerNotPresentError struct {
	PeerType string
}

func (e *PeerNotPresentError) Error() string {
	return fmt.Sprintf("peer not present: no known peer of type %q", e.PeerType)
}
