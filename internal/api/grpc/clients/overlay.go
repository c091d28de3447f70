// Package clients provides the gRPC client side of the Overlay service.
package clients

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iggydv12/overlay/internal/api/grpc/wire"
)

// ErrPoolClosed is returned by Deliver after Close.
var ErrPoolClosed = errors.New("client pool closed")

// PoolOptions tunes outbound calls.
type PoolOptions struct {
	CallTimeout  time.Duration
	DialAttempts uint
	DialDelay    time.Duration
}

// Pool keeps one ClientConn per target address.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool

	opts   PoolOptions
	logger *zap.Logger
}

// NewPool creates an empty client pool.
func NewPool(opts PoolOptions, logger *zap.Logger) *Pool {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = 1
	}
	return &Pool{
		conns:  make(map[string]*grpc.ClientConn),
		opts:   opts,
		logger: logger,
	}
}

func (p *Pool) conn(target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if cc, ok := p.conns[target]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 300 * time.Second}),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(wire.MaxMessageSize)),
	)
	if err != nil {
		return nil, err
	}
	p.conns[target] = cc
	return cc, nil
}

// Deliver sends data to target, announcing sender as the reply address.
// Calls that fail before reaching the peer (Unavailable) are retried.
func (p *Pool) Deliver(ctx context.Context, target string, data []byte, sender string) error {
	cc, err := p.conn(target)
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, wire.SenderKey, sender)
	in := wrapperspb.Bytes(data)

	return retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		return cc.Invoke(callCtx, wire.DeliverMethod, in, &emptypb.Empty{})
	},
		retry.Context(ctx),
		retry.Attempts(p.opts.DialAttempts),
		retry.Delay(p.opts.DialDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return status.Code(err) == codes.Unavailable
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("Deliver retry", zap.String("target", target), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

// Forget closes and drops the connection to target.
func (p *Pool) Forget(target string) {
	p.mu.Lock()
	cc, ok := p.conns[target]
	delete(p.conns, target)
	p.mu.Unlock()
	if ok {
		cc.Close()
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
