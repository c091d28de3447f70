package node

// State is the membership state of a node.
type State int32

const (
	// StateUnidentified is the initial state; the node has no identity yet.
	StateUnidentified State = iota
	// StateJoining means a JOIN is outstanding and the identity is the empty sentinel.
	StateJoining
	// StateMember means the node holds an identity and a routing table.
	StateMember
	// StateLeft is entered after Leave.
	StateLeft
)

// IsMember returns true when the node can address and be addressed by peers.
func (s State) IsMember() bool {
	return s == StateMember
}

func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateJoining:
		return "joining"
	case StateMember:
		return "member"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}
