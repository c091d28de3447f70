package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const quicALPN = "overlay-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds a deterministic self-signed certificate. Peers are not
// authenticated, the certificate only satisfies QUIC's TLS requirement.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("overlay-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// QUICTransport sends every message on its own QUIC stream as two frames:
// the sender's advertised address, then the encoded message.
type QUICTransport struct {
	listenAddr    string
	advertiseHost string
	opts          DialOptions
	logger        *zap.Logger

	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	mu       sync.Mutex
	address  string
	listener *quic.Listener
	conns    map[string]*quic.Conn
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQUICTransport creates a QUIC transport.
func NewQUICTransport(listenAddr, advertiseHost string, opts DialOptions, logger *zap.Logger) (*QUICTransport, error) {
	cert, err := devTLSCert()
	if err != nil {
		return nil, fmt.Errorf("quic dev cert: %w", err)
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		listenAddr:    listenAddr,
		advertiseHost: advertiseHost,
		opts:          opts,
		logger:        logger,
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
		},
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
		quicConf: &quic.Config{
			KeepAlivePeriod: 15 * time.Second,
			MaxIdleTimeout:  time.Minute,
		},
		conns:  make(map[string]*quic.Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Serve binds the UDP listener and accepts connections in the background.
func (t *QUICTransport) Serve(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return fmt.Errorf("quic transport: already serving")
	}
	l, err := quic.ListenAddr(t.listenAddr, t.serverTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.listenAddr, err)
	}
	t.listener = l
	t.address = advertised(t.advertiseHost, l.Addr())
	t.logger.Info("Overlay QUIC listening", zap.String("addr", l.Addr().String()))
	go t.acceptLoop(l, r)
	return nil
}

func (t *QUICTransport) acceptLoop(l *quic.Listener, r Receiver) {
	for {
		conn, err := l.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("QUIC accept failed", zap.Error(err))
			}
			return
		}
		go t.serveConn(conn, r)
	}
}

func (t *QUICTransport) serveConn(conn *quic.Conn, r Receiver) {
	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		go t.readStream(stream, conn.RemoteAddr().String(), r)
	}
}

func (t *QUICTransport) readStream(s *quic.Stream, remote string, r Receiver) {
	defer s.Close()
	sender, err := ReadFrame(s)
	if err != nil {
		t.logger.Debug("QUIC read sender frame failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	payload, err := ReadFrame(s)
	if err != nil {
		t.logger.Debug("QUIC read payload frame failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	source := string(sender)
	if source == "" {
		source = remote
	}
	r.Receive(t.ctx, payload, source)
}

// Send opens a stream on a cached connection to addr and writes one message.
func (t *QUICTransport) Send(ctx context.Context, addr string, data []byte) error {
	t.mu.Lock()
	closed, self := t.closed, t.address
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	defer cancel()

	err := retry.Do(func() error {
		conn, err := t.dial(ctx, addr)
		if err != nil {
			return err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			t.forget(addr, conn)
			return err
		}
		if err := WriteFrame(stream, []byte(self)); err != nil {
			stream.CancelWrite(0)
			return err
		}
		if err := WriteFrame(stream, data); err != nil {
			stream.CancelWrite(0)
			return err
		}
		stream.CancelRead(0)
		return stream.Close()
	},
		retry.Context(ctx),
		retry.Attempts(t.opts.Attempts),
		retry.Delay(t.opts.Delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("quic send to %s: %w", addr, err)
	}
	return nil
}

func (t *QUICTransport) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		select {
		case <-conn.Context().Done():
			t.forget(addr, conn)
		default:
			return conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.CloseWithError(0, "closed")
		return nil, ErrClosed
	}
	if existing, ok := t.conns[addr]; ok {
		conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *QUICTransport) forget(addr string, conn *quic.Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	conn.CloseWithError(0, "")
}

// Address returns the advertised host:port.
func (t *QUICTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// Close stops the listener and closes cached connections.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*quic.Conn)
	l := t.listener
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		c.CloseWithError(0, "shutdown")
	}
	if l != nil {
		return l.Close()
	}
	return nil
}
