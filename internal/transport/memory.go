package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryNetwork connects MemoryTransports inside one process. It is used by
// multi-node tests and by the `memory` transport kind.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// Endpoint returns a transport that will listen at addr once served.
func (n *MemoryNetwork) Endpoint(addr string) *MemoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryTransport{network: n, addr: addr, ctx: ctx, cancel: cancel}
}

func (n *MemoryNetwork) lookup(addr string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[addr]
}

// MemoryTransport is one node's attachment to a MemoryNetwork. Each inbound
// message is delivered on its own goroutine.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string

	mu       sync.RWMutex
	receiver Receiver
	closed   bool
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	dropInbound atomic.Bool
	delivered   atomic.Int64
}

// Serve registers the endpoint on the network.
func (t *MemoryTransport) Serve(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.receiver != nil {
		return fmt.Errorf("memory transport %s: already serving", t.addr)
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, taken := t.network.endpoints[t.addr]; taken {
		return fmt.Errorf("memory transport %s: address in use", t.addr)
	}
	t.network.endpoints[t.addr] = t
	t.receiver = r
	return nil
}

// Send delivers data to the endpoint at addr.
func (t *MemoryTransport) Send(ctx context.Context, addr string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	target := t.network.lookup(addr)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return target.deliver(buf, t.addr)
}

func (t *MemoryTransport) deliver(data []byte, from string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.receiver == nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, t.addr)
	}
	if t.dropInbound.Load() {
		return nil
	}
	t.delivered.Add(1)
	t.inflight.Add(1)
	r := t.receiver
	go func() {
		defer t.inflight.Done()
		r.Receive(t.ctx, data, from)
	}()
	return nil
}

// SetDropInbound makes the endpoint silently discard everything it is sent,
// while senders still see successful sends. It simulates a hung peer.
func (t *MemoryTransport) SetDropInbound(drop bool) {
	t.dropInbound.Store(drop)
}

// Delivered returns how many messages were handed to the receiver.
func (t *MemoryTransport) Delivered() int64 {
	return t.delivered.Load()
}

// Address returns the endpoint address.
func (t *MemoryTransport) Address() string {
	return t.addr
}

// Close detaches the endpoint and waits for in-flight deliveries.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.mu.Lock()
	if t.network.endpoints[t.addr] == t {
		delete(t.network.endpoints, t.addr)
	}
	t.network.mu.Unlock()

	t.cancel()
	t.inflight.Wait()
	return nil
}
