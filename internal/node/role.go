package node

import "github.com/iggydv12/overlay/internal/message"

// Peer types a node can announce.
const (
	PeerTypeValidator           = message.PeerTypeValidator
	PeerTypeSmartContractEngine = message.PeerTypeSmartContractEngine
	PeerTypeWallet              = message.PeerTypeWallet
	PeerTypeInitialPeer         = message.PeerTypeInitialPeer
)
