// Package node implements overlay membership on top of the dispatcher: joining
// through a seed, admitting joiners, propagating new peers and leaving.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/overlay/internal/dedup"
	"github.com/iggydv12/overlay/internal/dispatch"
	"github.com/iggydv12/overlay/internal/ledger"
	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
	"github.com/iggydv12/overlay/internal/telemetry"
	"github.com/iggydv12/overlay/internal/transport"
)

// Options configures a Node.
type Options struct {
	Transport transport.Transport
	PeerType  string
	// ListenPort is the port announced in JOIN. Empty means the port of the
	// transport's address.
	ListenPort        string
	ResponseTimeout   time.Duration
	JoinTimeout       time.Duration
	MessageExpiration time.Duration
	DedupWindow       time.Duration
	Metrics           *telemetry.Metrics
	Logger            *zap.Logger
}

// Node is one participant of the overlay.
type Node struct {
	mu       sync.RWMutex
	identity string
	state    State

	peerType    string
	listenPort  string
	joinTimeout time.Duration

	transport  transport.Transport
	table      *routing.Table
	liveness   *ledger.Liveness
	seen       *dedup.Filter
	dispatcher *dispatch.Dispatcher
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

// New creates an unidentified Node and registers the membership handlers.
func New(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PeerType == "" {
		opts.PeerType = PeerTypeValidator
	}
	if opts.MessageExpiration <= 0 {
		opts.MessageExpiration = 10 * time.Second
	}

	n := &Node{
		state:       StateUnidentified,
		peerType:    opts.PeerType,
		listenPort:  opts.ListenPort,
		joinTimeout: opts.JoinTimeout,
		transport:   opts.Transport,
		table:       routing.NewTable(),
		seen:        dedup.New(opts.DedupWindow),
		metrics:     opts.Metrics,
		logger:      logger,
	}
	n.liveness = ledger.NewLiveness(n.table, opts.MessageExpiration, logger)
	n.dispatcher = dispatch.New(dispatch.Options{
		Transport:       opts.Transport,
		Table:           n.table,
		Liveness:        n.liveness,
		Dedup:           n.seen,
		Identity:        n.Identity,
		ResponseTimeout: opts.ResponseTimeout,
		Metrics:         opts.Metrics,
		Logger:          logger,
	})
	n.liveness.OnEvict(func(ledger.Eviction) {
		n.metrics.Evicted(1)
		n.metrics.SetTableSize(n.table.Len())
	})

	n.dispatcher.RegisterHandler(message.TypeJoin, n.handleJoin)
	n.dispatcher.RegisterHandler(message.TypeNewPeer, n.handleNewPeer)
	n.dispatcher.RegisterHandler(message.TypeLeave, n.handleLeave)
	n.dispatcher.RegisterHandler(message.TypePing, n.handlePing)
	return n
}

// Start serves the transport. Inbound messages flow into the dispatcher.
func (n *Node) Start() error {
	if err := n.transport.Serve(n.dispatcher); err != nil {
		return fmt.Errorf("serve transport: %w", err)
	}
	n.logger.Info("Node listening",
		zap.String("address", n.transport.Address()),
		zap.String("peerType", n.peerType),
	)
	return nil
}

// Close fails outstanding requests and closes the transport.
func (n *Node) Close() error {
	n.dispatcher.Close()
	return n.transport.Close()
}

// Identity returns the node's identity, or the empty sentinel before it has one.
func (n *Node) Identity() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.identity == "" {
		return message.EmptyIdentity
	}
	return n.identity
}

// State returns the membership state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// StateName returns the membership state as text.
func (n *Node) StateName() string {
	return n.State().String()
}

// Address returns the node's advertised transport address.
func (n *Node) Address() string {
	return n.transport.Address()
}

// PeerType returns the role the node announces.
func (n *Node) PeerType() string {
	return n.peerType
}

// Table returns the live routing table.
func (n *Node) Table() *routing.Table {
	return n.table
}

// Liveness returns the outstanding-request ledger.
func (n *Node) Liveness() *ledger.Liveness {
	return n.liveness
}

// Outstanding returns the sent messages still waiting for an acknowledgement.
func (n *Node) Outstanding() []ledger.Outstanding {
	return n.liveness.Snapshot()
}

// Dedup returns the processed-message filter.
func (n *Node) Dedup() *dedup.Filter {
	return n.seen
}

// Dispatcher returns the node's message router.
func (n *Node) Dispatcher() *dispatch.Dispatcher {
	return n.dispatcher
}

// RegisterHandler installs an application handler for msgType.
func (n *Node) RegisterHandler(msgType string, h dispatch.Handler) error {
	if message.IsReserved(msgType) {
		return fmt.Errorf("%w: %s", ErrReservedType, msgType)
	}
	n.dispatcher.RegisterHandler(msgType, h)
	return nil
}

func (n *Node) outbound(msgType, body string) (*message.Message, error) {
	if message.IsReserved(msgType) {
		return nil, fmt.Errorf("%w: %s", ErrReservedType, msgType)
	}
	self := n.Identity()
	if message.IsEmptyIdentity(self) {
		return nil, ErrNotMember
	}
	return message.New(msgType, body, self), nil
}

// Send delivers an application message to the peer with the given identity.
func (n *Node) Send(ctx context.Context, identity, msgType, body string) (*message.Message, error) {
	msg, err := n.outbound(msgType, body)
	if err != nil {
		return nil, err
	}
	if err := n.dispatcher.Send(ctx, msg, identity); err != nil {
		return nil, err
	}
	return msg, nil
}

// Request sends an application message and returns the future of its response.
func (n *Node) Request(ctx context.Context, identity, msgType, body string) (*dispatch.Pending, error) {
	msg, err := n.outbound(msgType, body)
	if err != nil {
		return nil, err
	}
	return n.dispatcher.Request(ctx, msg, identity, nil)
}

// SendToPeerOfType sends to the first peer in the table announcing peerType.
// It returns the chosen identity.
func (n *Node) SendToPeerOfType(ctx context.Context, peerType, msgType, body string) (string, error) {
	msg, err := n.outbound(msgType, body)
	if err != nil {
		return "", err
	}
	identity, _, ok := n.table.PeerOfType(peerType)
	if !ok {
		return "", &routing.PeerNotPresentError{PeerType: peerType}
	}
	if err := n.dispatcher.Send(ctx, msg, identity); err != nil {
		return "", err
	}
	return identity, nil
}

// Broadcast sends an application message to every peer in the table.
func (n *Node) Broadcast(ctx context.Context, msgType, body string) ([]dispatch.BroadcastResult, error) {
	msg, err := n.outbound(msgType, body)
	if err != nil {
		return nil, err
	}
	return n.dispatcher.Broadcast(ctx, msg, nil), nil
}

// Ping measures the round trip of a PING to the peer with the given identity.
func (n *Node) Ping(ctx context.Context, identity string) (time.Duration, error) {
	self := n.Identity()
	if message.IsEmptyIdentity(self) {
		return 0, ErrNotMember
	}
	start := time.Now()
	msg := message.New(message.TypePing, "", self)
	p, err := n.dispatcher.Request(ctx, msg, identity, nil)
	if err != nil {
		return 0, err
	}
	if _, err := p.Wait(ctx); err != nil {
		n.dispatcher.Cancel(p.ID())
		return 0, fmt.Errorf("ping %s: %w", identity, err)
	}
	return time.Since(start), nil
}

func (n *Node) handlePing(ctx context.Context, _ *message.Message, _ string, reply dispatch.ReplyFunc) error {
	return reply(ctx, message.New(message.TypePingResponse, "", n.Identity()))
}

func (n *Node) announcedPort() string {
	if n.listenPort != "" {
		return n.listenPort
	}
	_, port, err := net.SplitHostPort(n.transport.Address())
	if err != nil {
		return ""
	}
	return port
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
