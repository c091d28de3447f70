package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/iggydv12/overlay/internal/message"
)

// ResponseFunc runs when a correlated response arrives, before the wait resolves.
type ResponseFunc func(ctx context.Context, resp *message.Message)

// Pending is the one-shot future of a request. Any number of goroutines may
// wait on it; it resolves exactly once, with the first correlated response
// or with an error.
type Pending struct {
	id          string // correlation id, i.e. the request's message id
	destination string // identity, or address for address-only requests
	byIdentity  bool
	sentAt      time.Time
	onResponse  ResponseFunc
	timer       *time.Timer

	once sync.Once
	done chan struct{}
	resp *message.Message
	err  error
}

func newPending(id, destination string, byIdentity bool, onResponse ResponseFunc) *Pending {
	return &Pending{
		id:          id,
		destination: destination,
		byIdentity:  byIdentity,
		sentAt:      time.Now(),
		onResponse:  onResponse,
		done:        make(chan struct{}),
	}
}

// ID returns the correlation id the request waits on.
func (p *Pending) ID() string { return p.id }

// Destination returns the identity or address the request was sent to.
func (p *Pending) Destination() string { return p.destination }

// Done is closed once the request resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the response arrives, the request fails, or ctx is done.
// Giving up on ctx does not cancel the request for other waiters.
func (p *Pending) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Response returns the resolved response, or nil while pending or on failure.
func (p *Pending) Response() *message.Message {
	select {
	case <-p.done:
		return p.resp
	default:
		return nil
	}
}

// Err returns the failure once resolved, nil otherwise.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Pending) complete(resp *message.Message, err error) bool {
	fired := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resp = resp
		p.err = err
		close(p.done)
		fired = true
	})
	return fired
}
