package message

// Peer types a node can announce in JOIN and NEW_PEER.
const (
	PeerTypeValidator           = "validator"
	PeerTypeSmartContractEngine = "smart_contract_engine"
	PeerTypeWallet              = "wallet"
	PeerTypeInitialPeer         = "initial_peer"
)

// IsPeerType reports whether s is a known peer type.
func IsPeerType(s string) bool {
	switch s {
	case PeerTypeValidator, PeerTypeSmartContractEngine, PeerTypeWallet, PeerTypeInitialPeer:
		return true
	default:
		return false
	}
}
