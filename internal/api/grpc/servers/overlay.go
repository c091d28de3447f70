package servers

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iggydv12/overlay/internal/api/grpc/wire"
)

// MessageHandler receives every delivered message. source is the caller's
// advertised address when present, else its remote socket address.
type MessageHandler interface {
	Receive(ctx context.Context, data []byte, source string)
}

// OverlayServer implements the Overlay gRPC service.
type OverlayServer struct {
	logger  *zap.Logger
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// overlayService is the interface checked by grpc.RegisterService.
type overlayService interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var overlayServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*overlayService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overlay/v1/overlay.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(overlayService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.DeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(overlayService).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// NewOverlayServer creates an OverlayServer.
func NewOverlayServer(handler MessageHandler, logger *zap.Logger) *OverlayServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &OverlayServer{handler: handler, logger: logger, ctx: ctx, cancel: cancel}
}

// Serve starts the gRPC listener and returns the bound address.
func (s *OverlayServer) Serve(addr string) (*grpc.Server, net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(wire.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 300 * time.Second}),
	)
	srv.RegisterService(&overlayServiceDesc, s)
	go func() {
		if err := srv.Serve(lis); err != nil {
			s.logger.Error("Overlay gRPC server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Overlay gRPC listening", zap.String("addr", lis.Addr().String()))
	return srv, lis.Addr(), nil
}

// Stop cancels the context handed to in-flight handlers.
func (s *OverlayServer) Stop() {
	s.cancel()
}

// Deliver accepts one encoded message. The handler runs asynchronously so
// the caller never waits on protocol processing.
func (s *OverlayServer) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty message")
	}
	if err := s.ctx.Err(); err != nil {
		return nil, status.Error(codes.Unavailable, "server stopping")
	}
	source := senderAddress(ctx)
	data := in.GetValue()
	go s.handler.Receive(s.ctx, data, source)
	return &emptypb.Empty{}, nil
}

func senderAddress(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(wire.SenderKey); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
