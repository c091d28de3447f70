package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/iggydv12/overlay/internal/api/grpc/clients"
	"github.com/iggydv12/overlay/internal/api/grpc/servers"
)

// DialOptions tunes outbound connections of the network transports.
type DialOptions struct {
	Attempts    uint
	Delay       time.Duration
	SendTimeout time.Duration
}

// GRPCTransport carries messages over the Overlay gRPC service.
type GRPCTransport struct {
	listenAddr    string
	advertiseHost string
	logger        *zap.Logger

	mu      sync.RWMutex
	address string
	overlay *servers.OverlayServer
	server  *grpc.Server
	pool    *clients.Pool
	closed  bool
}

// NewGRPCTransport creates a transport that listens on listenAddr and
// advertises advertiseHost with the bound port.
func NewGRPCTransport(listenAddr, advertiseHost string, opts DialOptions, logger *zap.Logger) *GRPCTransport {
	return &GRPCTransport{
		listenAddr:    listenAddr,
		advertiseHost: advertiseHost,
		logger:        logger,
		pool: clients.NewPool(clients.PoolOptions{
			CallTimeout:  opts.SendTimeout,
			DialAttempts: opts.Attempts,
			DialDelay:    opts.Delay,
		}, logger),
	}
}

// Serve starts the gRPC server.
func (t *GRPCTransport) Serve(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.server != nil {
		return fmt.Errorf("grpc transport: already serving")
	}
	ov := servers.NewOverlayServer(r, t.logger)
	srv, bound, err := ov.Serve(t.listenAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", t.listenAddr, err)
	}
	t.overlay = ov
	t.server = srv
	t.address = advertised(t.advertiseHost, bound)
	return nil
}

// Send delivers data to the Overlay service at addr.
func (t *GRPCTransport) Send(ctx context.Context, addr string, data []byte) error {
	t.mu.RLock()
	closed, self := t.closed, t.address
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := t.pool.Deliver(ctx, addr, data, self); err != nil {
		// Redial on the next send instead of reusing a broken connection.
		t.pool.Forget(addr)
		return fmt.Errorf("grpc deliver to %s: %w", addr, err)
	}
	return nil
}

// Address returns the advertised host:port.
func (t *GRPCTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address
}

// Close stops the server and closes pooled connections.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv, ov := t.server, t.overlay
	t.mu.Unlock()

	if srv != nil {
		srv.Stop()
		ov.Stop()
	}
	return t.pool.Close()
}

// advertised joins host with the port actually bound.
func advertised(host string, bound net.Addr) string {
	port := 0
	switch a := bound.(type) {
	case *net.TCPAddr:
		port = a.Port
	case *net.UDPAddr:
		port = a.Port
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
