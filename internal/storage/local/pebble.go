package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/iggydv12/overlay/internal/routing"
)

var (
	identityKey = []byte("meta/identity")
	savedAtKey  = []byte("meta/savedAt")
	peerPrefix  = []byte("peer/")
	peerEnd     = []byte("peer0") // '0' sorts right after '/'
)

// PebblePeerBook is a Pebble LSM-tree backed PeerBook. Values are encoded as
// protobuf Struct messages.
type PebblePeerBook struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewPebblePeerBook creates a PebblePeerBook instance (not yet opened).
func NewPebblePeerBook(dbPath string, logger *zap.Logger) *PebblePeerBook {
	return &PebblePeerBook{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebblePeerBook) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Peer book opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebblePeerBook) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// SaveIdentity records the node's identity.
func (p *PebblePeerBook) SaveIdentity(identity string) error {
	data, err := proto.Marshal(structpb.NewStringValue(identity))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := p.db.Set(identityKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Identity returns the saved identity.
func (p *PebblePeerBook) Identity() (string, error) {
	data, closer, err := p.db.Get(identityKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	v := &structpb.Value{}
	if err := proto.Unmarshal(data, v); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	return v.GetStringValue(), nil
}

// SaveTable atomically replaces the saved routing table.
func (p *PebblePeerBook) SaveTable(entries []routing.Entry) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(peerPrefix, peerEnd, nil); err != nil {
		return err
	}
	for i, e := range entries {
		s, err := structpb.NewStruct(map[string]any{
			"identity": e.Identity,
			"address":  e.Peer.Address,
			"port":     e.Peer.Port,
			"peerType": e.Peer.PeerType,
		})
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Identity, err)
		}
		data, err := proto.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if err := batch.Set(peerKey(i), data, nil); err != nil {
			return err
		}
	}
	ts, err := proto.Marshal(structpb.NewStringValue(time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := batch.Set(savedAtKey, ts, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	p.logger.Debug("Saved routing table", zap.Int("peers", len(entries)))
	return nil
}

// LoadTable returns the saved routing table. An empty book yields no entries.
func (p *PebblePeerBook) LoadTable() ([]routing.Entry, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: peerPrefix, UpperBound: peerEnd})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var entries []routing.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		s := &structpb.Struct{}
		if err := proto.Unmarshal(iter.Value(), s); err != nil {
			p.logger.Warn("Skipping corrupt peer record", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		f := s.GetFields()
		entries = append(entries, routing.Entry{
			Identity: f["identity"].GetStringValue(),
			Peer: routing.PeerNode{
				Address:  f["address"].GetStringValue(),
				Port:     f["port"].GetStringValue(),
				PeerType: f["peerType"].GetStringValue(),
			},
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// SavedAt returns when the table was last saved.
func (p *PebblePeerBook) SavedAt() (time.Time, error) {
	data, closer, err := p.db.Get(savedAtKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	v := &structpb.Value{}
	if err := proto.Unmarshal(data, v); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal: %w", err)
	}
	return time.Parse(time.RFC3339, v.GetStringValue())
}

// Seeds returns the endpoints of the saved table, so a restarted node can
// rejoin through the peers it last knew.
func (p *PebblePeerBook) Seeds(context.Context) ([]string, error) {
	entries, err := p.LoadTable()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Peer.Endpoint())
	}
	return out, nil
}

// Truncate deletes everything in the book.
func (p *PebblePeerBook) Truncate() error {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		keys = append(keys, k)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func peerKey(i int) []byte {
	return []byte(fmt.Sprintf("%s%08d", peerPrefix, i))
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
