// Package ledger tracks messages that are still waiting for an acknowledgment
// and evicts peers that stop acknowledging.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerRemover is the part of the routing table the ledger mutates on eviction.
type PeerRemover interface {
	RemovePeer(identity string) bool
}

// Liveness is the outstanding-message ledger: message id → destination.
// An entry older than the expiration window at sweep time means the
// destination is considered dead and is removed from the routing table.
type Liveness struct {
	mu          sync.RWMutex
	outstanding map[string]Outstanding // messageID → entry

	expiration time.Duration
	table      PeerRemover
	onEvict    []func(Eviction)
	logger     *zap.Logger
}

// NewLiveness creates a ledger that evicts from table.
func NewLiveness(table PeerRemover, expiration time.Duration, logger *zap.Logger) *Liveness {
	return &Liveness{
		outstanding: make(map[string]Outstanding),
		expiration:  expiration,
		table:       table,
		logger:      logger,
	}
}

// OnEvict registers a callback run after every eviction, outside the lock.
func (l *Liveness) OnEvict(fn func(Eviction)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvict = append(l.onEvict, fn)
}

// Track records that messageID was sent to identity at sentAt.
func (l *Liveness) Track(messageID, identity string, sentAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstanding[messageID] = Outstanding{MessageID: messageID, Identity: identity, SentAt: sentAt}
}

// Acknowledge clears messageID. It returns false for unknown ids.
func (l *Liveness) Acknowledge(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.outstanding[messageID]; !ok {
		return false
	}
	delete(l.outstanding, messageID)
	return true
}

// Contains reports whether messageID is still awaiting acknowledgment.
func (l *Liveness) Contains(messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.outstanding[messageID]
	return ok
}

// Len returns the number of outstanding messages.
func (l *Liveness) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.outstanding)
}

// Sweep expires every entry sent before now-expiration, removes its
// destination from the routing table and drops the entry. Each evicted
// identity is reported once per sweep.
func (l *Liveness) Sweep(now time.Time) []Eviction {
	cutoff := now.Add(-l.expiration)

	l.mu.Lock()
	byPeer := make(map[string]*Eviction)
	var order []string
	for id, e := range l.outstanding {
		if !e.SentAt.Before(cutoff) {
			continue
		}
		delete(l.outstanding, id)
		ev, ok := byPeer[e.Identity]
		if !ok {
			ev = &Eviction{Identity: e.Identity}
			byPeer[e.Identity] = ev
			order = append(order, e.Identity)
		}
		ev.MessageIDs = append(ev.MessageIDs, id)
	}
	hooks := l.onEvict
	l.mu.Unlock()

	evicted := make([]Eviction, 0, len(order))
	for _, identity := range order {
		ev := byPeer[identity]
		ev.Removed = l.table.RemovePeer(identity)
		evicted = append(evicted, *ev)
		l.logger.Info("Evicted unresponsive peer",
			zap.String("peer", identity),
			zap.Int("unacknowledged", len(ev.MessageIDs)),
			zap.Bool("wasInTable", ev.Removed),
		)
		for _, fn := range hooks {
			fn(*ev)
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (l *Liveness) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(time.Now())
		}
	}
}

// ClearAll forgets every outstanding message.
func (l *Liveness) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstanding = make(map[string]Outstanding)
}

// Snapshot returns a copy of the outstanding entries.
func (l *Liveness) Snapshot() []Outstanding {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := make([]Outstanding, 0, len(l.outstanding))
	for _, e := range l.outstanding {
		snap = append(snap, e)
	}
	return snap
}
