package node

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/overlay/internal/api/rest"
	"github.com/iggydv12/overlay/internal/config"
	"github.com/iggydv12/overlay/internal/discovery"
	"github.com/iggydv12/overlay/internal/storage/local"
	"github.com/iggydv12/overlay/internal/telemetry"
	"github.com/iggydv12/overlay/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	network *transport.MemoryNetwork
	ready   chan struct{}
	node    *Node
}

// NewController creates a Controller for the given configuration.
func NewController(cfg *config.Config, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// UseMemoryNetwork attaches the `memory` transport kind to a shared
// in-process network. Without it each controller gets a private network.
func (c *Controller) UseMemoryNetwork(n *transport.MemoryNetwork) {
	c.network = n
}

// Ready is closed once the node is a member and registered.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Node returns the running node. It is nil before Ready.
func (c *Controller) Node() *Node {
	select {
	case <-c.ready:
		return c.node
	default:
		return nil
	}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	cfg := c.cfg
	c.logger.Info("Starting overlay node",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("advertise", cfg.AdvertiseAddr()),
		zap.String("peerType", cfg.Node.PeerType),
	)

	// --- 1. Metrics ---
	metrics := telemetry.New()

	// --- 2. Transport ---
	tr, err := c.buildTransport()
	if err != nil {
		return err
	}

	// --- 3. Peer book ---
	var book *local.PebblePeerBook
	if cfg.Store.Path != "" {
		book = local.NewPebblePeerBook(cfg.Store.Path, c.logger)
		if err := book.Init(); err != nil {
			return fmt.Errorf("peer book init: %w", err)
		}
		defer book.Close()
	}

	// --- 4. Node ---
	n := New(Options{
		Transport:         tr,
		PeerType:          cfg.Node.PeerType,
		ListenPort:        cfg.Node.ListenPort,
		ResponseTimeout:   cfg.Node.ResponseTimeout,
		JoinTimeout:       cfg.Node.JoinTimeout,
		MessageExpiration: cfg.Liveness.MessageExpiration,
		DedupWindow:       cfg.Liveness.DedupWindow,
		Metrics:           metrics,
		Logger:            c.logger,
	})

	// --- 5. Serve ---
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Close()

	// --- 6. Seeds ---
	sources := []discovery.SeedSource{discovery.StaticSeeds(cfg.Discovery.Seeds)}
	var registry *discovery.EtcdRegistry
	if len(cfg.Discovery.Etcd.Endpoints) > 0 {
		cli, err := discovery.NewEtcdClient(cfg.Discovery.Etcd.Endpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		registry = discovery.NewEtcdRegistry(cli, cfg.Discovery.Etcd.Prefix, cfg.Discovery.Etcd.LeaseTTL, c.logger)
		sources = append(sources, registry)
	}
	seeds := discovery.Collect(ctx, n.Address(), c.logger, sources...)
	configured := len(seeds) > 0
	if book != nil && cfg.Store.Reseed {
		seeds = discovery.Collect(ctx, n.Address(), c.logger, discovery.StaticSeeds(seeds), book)
	}

	// --- 7. Background loops ---
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		n.Liveness().Run(gctx, cfg.Liveness.SweepInterval)
		return nil
	})
	g.Go(func() error {
		n.Dedup().Run(gctx, cfg.Liveness.DedupSweepInterval)
		return nil
	})

	var admin *rest.Server
	if cfg.Admin.Addr != "" {
		admin = rest.New(n, metrics.Handler(), c.logger)
		if err := admin.Start(cfg.Admin.Addr); err != nil {
			stopLoops()
			_ = g.Wait()
			return fmt.Errorf("admin API: %w", err)
		}
	}

	// --- 8. Bootstrap ---
	err = n.Bootstrap(ctx, seeds)
	if errors.Is(err, ErrNoSeedReachable) && !configured {
		// Only remembered peers were tried and none of them is back.
		c.logger.Warn("No remembered peer reachable, starting a new overlay", zap.Error(err))
		err = n.Bootstrap(ctx, nil)
	}
	if err != nil {
		c.shutdownAdmin(admin)
		stopLoops()
		_ = g.Wait()
		return fmt.Errorf("bootstrap: %w", err)
	}

	// --- 9. Registration ---
	if registry != nil {
		if err := registry.Register(ctx, n.Identity(), n.Address()); err != nil {
			c.logger.Warn("etcd registration failed", zap.Error(err))
		}
	}

	c.node = n
	close(c.ready)
	c.logger.Info("Node running",
		zap.String("identity", n.Identity()),
		zap.String("address", n.Address()),
		zap.Int("peers", n.Table().Len()),
	)

	// --- 10. Wait for shutdown signal ---
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	<-sigCtx.Done()
	c.logger.Info("Shutting down")

	// --- 11. Shutdown ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	identity, entries := n.Identity(), n.Table().Entries()
	if _, err := n.Leave(shutdownCtx); err != nil && !errors.Is(err, ErrNotMember) {
		c.logger.Warn("LEAVE not delivered to every peer", zap.Error(err))
	}
	if book != nil {
		if err := book.SaveIdentity(identity); err != nil {
			c.logger.Warn("Saving identity failed", zap.Error(err))
		}
		if err := book.SaveTable(entries); err != nil {
			c.logger.Warn("Saving routing table failed", zap.Error(err))
		}
	}
	if registry != nil {
		if err := registry.Deregister(shutdownCtx); err != nil {
			c.logger.Warn("etcd deregistration failed", zap.Error(err))
		}
	}
	c.shutdownAdmin(admin)
	stopLoops()
	return g.Wait()
}

func (c *Controller) buildTransport() (transport.Transport, error) {
	kind, err := transport.ParseKind(c.cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}
	opts := transport.DialOptions{
		Attempts:    c.cfg.Transport.DialAttempts,
		Delay:       c.cfg.Transport.DialDelay,
		SendTimeout: c.cfg.Transport.SendTimeout,
	}
	switch kind {
	case transport.KindQUIC:
		t, err := transport.NewQUICTransport(c.cfg.ListenAddr(), c.cfg.Node.AdvertiseHost, opts, c.logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case transport.KindMemory:
		if c.network == nil {
			c.network = transport.NewMemoryNetwork()
		}
		return c.network.Endpoint(c.cfg.AdvertiseAddr()), nil
	default:
		return transport.NewGRPCTransport(c.cfg.ListenAddr(), c.cfg.Node.AdvertiseHost, opts, c.logger), nil
	}
}

func (c *Controller) shutdownAdmin(admin *rest.Server) {
	if admin == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		c.logger.Warn("Admin API shutdown failed", zap.Error(err))
	}
}
