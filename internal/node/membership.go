package node

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/iggydv12/overlay/internal/dispatch"
	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
)

// Bootstrap makes the node a member. Without seeds it mints its own identity
// and starts a new overlay. Otherwise seeds are tried in order and the first
// one that answers the JOIN admits the node.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	self := n.transport.Address()
	candidates := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s != "" && s != self {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 {
		identity := message.NewIdentity()
		n.mu.Lock()
		n.identity = identity
		n.state = StateMember
		n.mu.Unlock()
		n.logger.Info("Started new overlay", zap.String("identity", identity))
		return nil
	}

	n.mu.Lock()
	n.identity = message.EmptyIdentity
	n.state = StateJoining
	n.mu.Unlock()

	var lastErr error
	// The first answering seed ends the loop: a later JOIN would carry the
	// adopted identity and every responder discards those.
	for _, seed := range candidates {
		err := n.join(ctx, seed)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			n.setState(StateUnidentified)
			return ctx.Err()
		}
		n.logger.Warn("Join via seed failed", zap.String("seed", seed), zap.Error(err))
		lastErr = err
	}

	n.setState(StateUnidentified)
	return fmt.Errorf("%w: tried %d seeds: %w", ErrNoSeedReachable, len(candidates), lastErr)
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *Node) join(ctx context.Context, seed string) error {
	body, err := message.EncodeBody(message.JoinRequest{
		PeerType:   n.peerType,
		ListenPort: n.announcedPort(),
	})
	if err != nil {
		return err
	}
	req := message.New(message.TypeJoin, body, message.EmptyIdentity)
	p, err := n.dispatcher.RequestAddress(ctx, req, seed, n.applyJoinResponse)
	if err != nil {
		return err
	}

	waitCtx := ctx
	if n.joinTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, n.joinTimeout)
		defer cancel()
	}
	if _, err := p.Wait(waitCtx); err != nil {
		n.dispatcher.Cancel(req.ID)
		return err
	}
	if !n.State().IsMember() {
		return fmt.Errorf("join via %s: invalid JOIN_RESPONSE", seed)
	}
	return nil
}

func (n *Node) applyJoinResponse(_ context.Context, resp *message.Message) {
	var jr message.JoinResponse
	if err := message.DecodeBody(resp, &jr); err != nil {
		n.logger.Warn("Discarding JOIN_RESPONSE", zap.Error(err))
		return
	}
	if message.IsEmptyIdentity(jr.NewIdentity) {
		n.logger.Warn("Discarding JOIN_RESPONSE without identity", zap.String("from", jr.ResponderAddress))
		return
	}

	n.mu.Lock()
	if n.state != StateJoining {
		n.mu.Unlock()
		return
	}
	n.identity = jr.NewIdentity
	n.state = StateMember
	n.mu.Unlock()

	n.table.MergeEntries(routing.FromWire(jr.RoutingTable))
	n.table.RemovePeer(jr.NewIdentity)
	n.table.RemovePeerByAddress(n.transport.Address())
	n.metrics.SetTableSize(n.table.Len())

	n.logger.Info("Joined overlay",
		zap.String("identity", jr.NewIdentity),
		zap.String("via", jr.ResponderAddress),
		zap.Int("peers", n.table.Len()),
	)
}

func (n *Node) handleJoin(ctx context.Context, msg *message.Message, sender string, reply dispatch.ReplyFunc) error {
	self, selfAddr := n.Identity(), n.transport.Address()
	if message.IsEmptyIdentity(self) || selfAddr == "" || !n.State().IsMember() {
		return fmt.Errorf("%w: JOIN while unidentified", dispatch.ErrDiscarded)
	}
	if !message.IsEmptyIdentity(sender) {
		return fmt.Errorf("%w: JOIN from identified peer %s", dispatch.ErrDiscarded, sender)
	}

	var req message.JoinRequest
	if err := message.DecodeBody(msg, &req); err != nil {
		return err
	}
	if req.ListenPort == "" {
		return fmt.Errorf("JOIN %s: missing listen port", msg.ID)
	}
	if req.PeerType == "" {
		req.PeerType = PeerTypeValidator
	}
	joinerAddr := net.JoinHostPort(hostOf(msg.SenderAddress), req.ListenPort)
	joiner := routing.PeerNodeFromEndpoint(joinerAddr, req.PeerType)
	newIdentity := message.NewIdentity()

	snapshot := n.table.Clone()
	snapshot.AddPeer(self, routing.PeerNodeFromEndpoint(selfAddr, n.peerType))
	snapshot.RemovePeerByAddress(joinerAddr)

	n.table.AddPeer(newIdentity, joiner)
	n.metrics.SetTableSize(n.table.Len())

	body, err := message.EncodeBody(message.JoinResponse{
		NewIdentity:      newIdentity,
		ResponderAddress: selfAddr,
		RoutingTable:     routing.ToWire(snapshot.Entries()),
	})
	if err != nil {
		return err
	}
	if err := reply(ctx, message.New(message.TypeJoinResponse, body, self)); err != nil {
		return fmt.Errorf("answer JOIN from %s: %w", joinerAddr, err)
	}
	n.logger.Info("Admitted peer",
		zap.String("identity", newIdentity),
		zap.String("address", joinerAddr),
		zap.String("peerType", req.PeerType),
	)

	announce, err := message.EncodeBody(message.NewPeer{
		Identity: newIdentity,
		Address:  joiner.Address,
		Port:     joiner.Port,
		PeerType: joiner.PeerType,
	})
	if err != nil {
		return err
	}
	n.dispatcher.Broadcast(ctx, message.New(message.TypeNewPeer, announce, self), nil)
	return nil
}

func (n *Node) handleNewPeer(_ context.Context, msg *message.Message, _ string, _ dispatch.ReplyFunc) error {
	var np message.NewPeer
	if err := message.DecodeBody(msg, &np); err != nil {
		return err
	}
	if message.IsEmptyIdentity(np.Identity) {
		return fmt.Errorf("NEW_PEER %s: missing identity", msg.ID)
	}
	if !n.State().IsMember() {
		return nil
	}
	peer := routing.PeerNode{Address: np.Address, Port: np.Port, PeerType: np.PeerType}
	if np.Identity == n.Identity() || peer.Endpoint() == n.transport.Address() {
		return nil
	}
	n.table.AddPeer(np.Identity, peer)
	n.metrics.SetTableSize(n.table.Len())
	n.logger.Debug("Learned peer", zap.String("identity", np.Identity), zap.String("address", peer.Endpoint()))
	return nil
}

func (n *Node) handleLeave(_ context.Context, _ *message.Message, sender string, _ dispatch.ReplyFunc) error {
	if message.IsEmptyIdentity(sender) {
		return fmt.Errorf("%w: LEAVE without sender", dispatch.ErrDiscarded)
	}
	if n.table.RemovePeer(sender) {
		n.metrics.SetTableSize(n.table.Len())
		n.logger.Info("Peer left", zap.String("identity", sender))
	}
	return nil
}

// Leave announces departure to every known peer and forgets the overlay.
func (n *Node) Leave(ctx context.Context) ([]dispatch.BroadcastResult, error) {
	self := n.Identity()
	if !n.State().IsMember() || message.IsEmptyIdentity(self) {
		return nil, ErrNotMember
	}
	results := n.dispatcher.Broadcast(ctx, message.New(message.TypeLeave, "", self), nil)

	n.setState(StateLeft)
	n.table.Clear()
	n.liveness.ClearAll()
	n.metrics.SetTableSize(0)

	var failed []error
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Err)
		}
	}
	n.logger.Info("Left overlay",
		zap.String("identity", self),
		zap.Int("notified", len(results)-len(failed)),
		zap.Int("failed", len(failed)),
	)
	return results, errors.Join(failed...)
}
