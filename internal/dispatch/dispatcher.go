// Package dispatch routes messages between a node and its transport: it
// pairs responses with the requests that caused them, runs type handlers,
// acknowledges processed messages and feeds the liveness ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/overlay/internal/dedup"
	"github.com/iggydv12/overlay/internal/ledger"
	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
	"github.com/iggydv12/overlay/internal/telemetry"
	"github.com/iggydv12/overlay/internal/transport"
)

const broadcastFanout = 16

// ReplyFunc sends resp back to the sender of the message being handled. The
// dispatcher fills in the correlation id and original sender before sending.
type ReplyFunc func(ctx context.Context, resp *message.Message) error

// Handler processes one inbound message of a registered type. sender is the
// message's original sender identity. Returning an error suppresses the
// acknowledgment.
type Handler func(ctx context.Context, msg *message.Message, sender string, reply ReplyFunc) error

// Options wires a Dispatcher to the node's shared state.
type Options struct {
	Transport transport.Transport
	Table     *routing.Table
	Liveness  *ledger.Liveness
	Dedup     *dedup.Filter
	// Identity returns the node's current identity; it stamps acknowledgments.
	Identity        func() string
	ResponseTimeout time.Duration
	Metrics         *telemetry.Metrics
	Logger          *zap.Logger
}

// BroadcastResult is the outcome of one peer's copy of a broadcast.
type BroadcastResult struct {
	Identity  string
	MessageID string
	Pending   *Pending
	Err       error
}

// Dispatcher is the per-node message router.
type Dispatcher struct {
	transport transport.Transport
	table     *routing.Table
	liveness  *ledger.Liveness
	seen      *dedup.Filter
	identity  func() string
	timeout   time.Duration
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	pending  map[string]*Pending // correlation id → request
	closed   bool
}

// New creates a Dispatcher and registers the built-in ACKNOWLEDGE handler.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		transport: opts.Transport,
		table:     opts.Table,
		liveness:  opts.Liveness,
		seen:      opts.Dedup,
		identity:  opts.Identity,
		timeout:   opts.ResponseTimeout,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*Pending),
	}
	if d.seen == nil {
		d.seen = dedup.New(0)
	}
	if d.identity == nil {
		d.identity = func() string { return message.EmptyIdentity }
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.handlers[message.TypeAcknowledge] = d.handleAcknowledge
	if d.liveness != nil {
		d.liveness.OnEvict(d.failEvicted)
	}
	return d
}

// RegisterHandler sets the handler for msgType, replacing any previous one.
func (d *Dispatcher) RegisterHandler(msgType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = h
}

// Send delivers msg to the peer registered under identity. It fails with
// *routing.UnknownDestinationError when the identity has no table entry.
func (d *Dispatcher) Send(ctx context.Context, msg *message.Message, identity string) error {
	_, err := d.sendToIdentity(ctx, msg, identity, false, nil)
	return err
}

// Request is Send with a response expectation. The returned Pending resolves
// with the first inbound message whose correlation id equals msg.ID.
func (d *Dispatcher) Request(ctx context.Context, msg *message.Message, identity string, onResponse ResponseFunc) (*Pending, error) {
	return d.sendToIdentity(ctx, msg, identity, true, onResponse)
}

// SendToAddress delivers msg to a raw transport address. It is used before
// the destination has an identity (JOIN) and for acknowledgments.
func (d *Dispatcher) SendToAddress(ctx context.Context, msg *message.Message, addr string) error {
	_, err := d.dispatch(ctx, msg, addr, "", false, nil)
	return err
}

// RequestAddress is SendToAddress with a response expectation.
func (d *Dispatcher) RequestAddress(ctx context.Context, msg *message.Message, addr string, onResponse ResponseFunc) (*Pending, error) {
	return d.dispatch(ctx, msg, addr, "", true, onResponse)
}

func (d *Dispatcher) sendToIdentity(ctx context.Context, msg *message.Message, identity string, expect bool, onResponse ResponseFunc) (*Pending, error) {
	peer, ok := d.table.Lookup(identity)
	if !ok {
		return nil, &routing.UnknownDestinationError{Identity: identity}
	}
	return d.dispatch(ctx, msg, peer.Endpoint(), identity, expect, onResponse)
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *message.Message, addr, identity string, expect bool, onResponse ResponseFunc) (*Pending, error) {
	data, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}

	var p *Pending
	if expect {
		dest := identity
		if dest == "" {
			dest = addr
		}
		p, err = d.register(msg.ID, dest, identity != "", onResponse)
		if err != nil {
			return nil, err
		}
	}
	// An entry stays tracked even if the transport fails below, so an
	// unreachable peer is evicted on the next sweep.
	if identity != "" && expectsAck(msg.Type) && d.liveness != nil {
		d.liveness.Track(msg.ID, identity, time.Now())
	}

	if err := d.transport.Send(ctx, addr, data); err != nil {
		d.metrics.SendFailed(msg.Type)
		if p != nil {
			d.fail(p.id, err)
		}
		return nil, fmt.Errorf("send %s %s to %s: %w", msg.Type, msg.ID, addr, err)
	}
	d.metrics.Sent(msg.Type)
	return p, nil
}

func (d *Dispatcher) register(id, destination string, byIdentity bool, onResponse ResponseFunc) (*Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, dup := d.pending[id]; dup {
		return nil, fmt.Errorf("request %s already pending", id)
	}
	p := newPending(id, destination, byIdentity, onResponse)
	if d.timeout > 0 {
		p.timer = time.AfterFunc(d.timeout, func() { d.fail(id, ErrResponseTimeout) })
	}
	d.pending[id] = p
	d.metrics.SetPending(len(d.pending))
	return p, nil
}

// take removes and returns the pending request for correlationID.
func (d *Dispatcher) take(correlationID string) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[correlationID]
	if !ok {
		return nil
	}
	delete(d.pending, correlationID)
	d.metrics.SetPending(len(d.pending))
	return p
}

func (d *Dispatcher) fail(correlationID string, err error) {
	if p := d.take(correlationID); p != nil {
		d.seen.MarkSeen(resolvedKey(correlationID))
		p.complete(nil, err)
	}
}

func (d *Dispatcher) failEvicted(ev ledger.Eviction) {
	d.mu.Lock()
	var failed []*Pending
	for id, p := range d.pending {
		if p.byIdentity && p.destination == ev.Identity {
			delete(d.pending, id)
			failed = append(failed, p)
		}
	}
	d.metrics.SetPending(len(d.pending))
	d.mu.Unlock()

	for _, p := range failed {
		d.seen.MarkSeen(resolvedKey(p.id))
		p.complete(nil, fmt.Errorf("%w: %s", ErrPeerEvicted, ev.Identity))
	}
}

// Lookup returns the pending request waiting on correlationID.
func (d *Dispatcher) Lookup(correlationID string) (*Pending, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pending[correlationID]
	return p, ok
}

// Await blocks on the response to the request with the given correlation id.
func (d *Dispatcher) Await(ctx context.Context, correlationID string) (*message.Message, error) {
	p, ok := d.Lookup(correlationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPending, correlationID)
	}
	return p.Wait(ctx)
}

// Cancel gives up on a pending request. Its waiters fail with
// context.Canceled and a response arriving later is dropped as late.
func (d *Dispatcher) Cancel(correlationID string) bool {
	p := d.take(correlationID)
	if p == nil {
		return false
	}
	d.seen.MarkSeen(resolvedKey(correlationID))
	return p.complete(nil, context.Canceled)
}

// PendingCount returns the number of requests awaiting a response.
func (d *Dispatcher) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Broadcast sends an independent copy of msg, each with a fresh id, to every
// peer in the routing table. A failure for one peer never stops the others.
func (d *Dispatcher) Broadcast(ctx context.Context, msg *message.Message, onResponse ResponseFunc) []BroadcastResult {
	entries := d.table.Entries()
	results := make([]BroadcastResult, len(entries))

	var g errgroup.Group
	g.SetLimit(broadcastFanout)
	for i, e := range entries {
		g.Go(func() error {
			cp := msg.Fork()
			res := BroadcastResult{Identity: e.Identity, MessageID: cp.ID}
			if onResponse != nil {
				res.Pending, res.Err = d.Request(ctx, cp, e.Identity, onResponse)
			} else {
				res.Err = d.Send(ctx, cp, e.Identity)
			}
			if res.Err != nil {
				d.logger.Warn("Broadcast to peer failed",
					zap.String("type", msg.Type),
					zap.String("peer", e.Identity),
					zap.Error(res.Err),
				)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Receive implements transport.Receiver.
func (d *Dispatcher) Receive(ctx context.Context, data []byte, source string) {
	err := d.HandleInbound(ctx, data, source)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrLateResponse), errors.Is(err, ErrDiscarded):
		d.logger.Debug("Inbound message dropped", zap.String("from", source), zap.Error(err))
	default:
		d.logger.Warn("Inbound message dropped", zap.String("from", source), zap.Error(err))
	}
}

// HandleInbound decodes and routes one message received from source. A
// message is processed at most once: duplicates of a seen id are dropped. A
// correlated response goes to its pending request and never to a type
// handler. Any other message goes to its type handler and, when that
// succeeds, is acknowledged to the sender.
func (d *Dispatcher) HandleInbound(ctx context.Context, data []byte, source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Drop("panic")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	msg, err := message.Decode(data)
	if err != nil {
		d.metrics.Drop("malformed")
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.SenderAddress = source
	msg.ReceiverAddress = d.transport.Address()
	d.metrics.Received(msg.Type)

	if !d.seen.CheckAndMark(msg.ID) {
		d.metrics.Duplicate()
		return fmt.Errorf("%w: %s %s", ErrDuplicate, msg.Type, msg.ID)
	}

	if !msg.IsTopLevel() {
		if p := d.take(msg.CorrelationID); p != nil {
			d.deliverResponse(ctx, p, msg)
			return nil
		}
		// The responder tracks its reply, so it is acknowledged even when
		// nobody waits for it any more.
		if d.seen.Seen(resolvedKey(msg.CorrelationID)) {
			d.acknowledge(ctx, msg)
			d.metrics.Drop("late_response")
			return fmt.Errorf("%w: %s", ErrLateResponse, msg.CorrelationID)
		}
	}

	d.mu.RLock()
	h, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		if !msg.IsTopLevel() && expectsAck(msg.Type) {
			d.acknowledge(ctx, msg)
		}
		d.metrics.Drop("no_handler")
		return fmt.Errorf("%w for %s", ErrNoHandler, msg.Type)
	}

	if err := h(ctx, msg, msg.OriginalSenderID, d.replyTo(msg)); err != nil {
		if errors.Is(err, ErrDiscarded) {
			d.metrics.Drop("discarded")
		} else {
			d.metrics.Drop("handler_error")
		}
		return fmt.Errorf("handle %s %s: %w", msg.Type, msg.ID, err)
	}
	if expectsAck(msg.Type) {
		d.acknowledge(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) deliverResponse(ctx context.Context, p *Pending, msg *message.Message) {
	d.seen.MarkSeen(resolvedKey(p.id))
	if d.liveness != nil && d.liveness.Acknowledge(p.id) {
		d.metrics.Ack()
	}
	d.metrics.ObserveResponse(time.Since(p.sentAt))

	err := d.runResponse(ctx, p, msg)
	if err != nil {
		d.logger.Warn("Response callback failed", zap.String("correlationId", p.id), zap.Error(err))
		p.complete(msg, err)
	} else {
		p.complete(msg, nil)
	}
	d.acknowledge(ctx, msg)
}

func (d *Dispatcher) runResponse(ctx context.Context, p *Pending, msg *message.Message) (err error) {
	if p.onResponse == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	p.onResponse(ctx, msg)
	return nil
}

func (d *Dispatcher) replyTo(req *message.Message) ReplyFunc {
	return func(ctx context.Context, resp *message.Message) error {
		resp.CorrelationID = req.ID
		resp.OriginalSenderID = req.OriginalSenderID
		if !message.IsEmptyIdentity(req.OriginalSenderID) && d.table.Contains(req.OriginalSenderID) {
			return d.Send(ctx, resp, req.OriginalSenderID)
		}
		if req.SenderAddress == "" {
			return fmt.Errorf("reply to %s: sender address unknown", req.ID)
		}
		return d.SendToAddress(ctx, resp, req.SenderAddress)
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, msg *message.Message) {
	if msg.SenderAddress == "" {
		return
	}
	body, err := message.EncodeBody(message.Acknowledge{ReferencedMessageID: msg.ID})
	if err != nil {
		return
	}
	ack := message.New(message.TypeAcknowledge, body, d.identity())
	if err := d.SendToAddress(ctx, ack, msg.SenderAddress); err != nil {
		d.logger.Debug("Acknowledge failed", zap.String("to", msg.SenderAddress), zap.String("ref", msg.ID), zap.Error(err))
	}
}

func (d *Dispatcher) handleAcknowledge(_ context.Context, msg *message.Message, _ string, _ ReplyFunc) error {
	var ack message.Acknowledge
	if err := message.DecodeBody(msg, &ack); err != nil {
		return err
	}
	if d.liveness != nil && d.liveness.Acknowledge(ack.ReferencedMessageID) {
		d.metrics.Ack()
	}
	return nil
}

// Close fails every pending request with ErrClosed and refuses new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*Pending)
	d.metrics.SetPending(0)
	d.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, ErrClosed)
	}
}

// expectsAck reports whether a message of msgType is acknowledged by its
// receiver, and therefore tracked by the sender's liveness ledger.
func expectsAck(msgType string) bool {
	return msgType != message.TypeAcknowledge && msgType != message.TypeLeave
}

func resolvedKey(correlationID string) string {
	return "resolved/" + correlationID
}
