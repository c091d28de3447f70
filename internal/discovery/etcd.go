package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdClient is the part of *clientv3.Client the registry uses.
type EtcdClient interface {
	clientv3.KV
	clientv3.Lease
}

// EtcdRegistry publishes node addresses under a key prefix, each bound to a
// lease kept alive while the node runs.
type EtcdRegistry struct {
	cli    EtcdClient
	prefix string
	ttl    int64
	logger *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	key    string
	stopKA context.CancelFunc
}

// NewEtcdClient dials the etcd cluster.
func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NewEtcdRegistry creates a registry storing keys under prefix.
func NewEtcdRegistry(cli EtcdClient, prefix string, ttl int64, logger *zap.Logger) *EtcdRegistry {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdRegistry{cli: cli, prefix: prefix, ttl: ttl, logger: logger}
}

// Seeds lists the addresses of every registered node.
func (r *EtcdRegistry) Seeds(ctx context.Context) ([]string, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", r.prefix, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := ParseSeed(string(kv.Value))
		if err != nil {
			r.logger.Warn("Skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// Register publishes addr under the node identity and keeps the lease alive
// until Deregister.
func (r *EtcdRegistry) Register(ctx context.Context, identity, addr string) error {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	key := r.prefix + identity
	if _, err := r.cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.lease, r.key, r.stopKA = lease.ID, key, cancel
	r.mu.Unlock()
	r.logger.Info("Registered in etcd", zap.String("key", key), zap.String("addr", addr), zap.Int64("ttl", r.ttl))
	return nil
}

// Deregister revokes the lease, removing the node's key.
func (r *EtcdRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	lease, stop := r.lease, r.stopKA
	r.lease, r.key, r.stopKA = 0, "", nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	if _, err := r.cli.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("etcd revoke: %w", err)
	}
	return nil
}

// Key returns the key the node is registered under, empty before Register.
func (r *EtcdRegistry) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}
