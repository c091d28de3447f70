// Package rest provides the Gin-based admin API of a node.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/iggydv12/overlay/internal/dispatch"
	"github.com/iggydv12/overlay/internal/ledger"
	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
)

// Overlay is the node surface exposed over HTTP.
type Overlay interface {
	Identity() string
	StateName() string
	Address() string
	PeerType() string
	Table() *routing.Table
	Outstanding() []ledger.Outstanding
	Send(ctx context.Context, identity, msgType, body string) (*message.Message, error)
	Request(ctx context.Context, identity, msgType, body string) (*dispatch.Pending, error)
	SendToPeerOfType(ctx context.Context, peerType, msgType, body string) (string, error)
	Broadcast(ctx context.Context, msgType, body string) ([]dispatch.BroadcastResult, error)
	Ping(ctx context.Context, identity string) (time.Duration, error)
	Leave(ctx context.Context) ([]dispatch.BroadcastResult, error)
}

// Server is the REST API server.
type Server struct {
	engine  *gin.Engine
	overlay Overlay
	logger  *zap.Logger

	httpSrv *http.Server
	addr    net.Addr
}

// New creates a REST Server. metrics may be nil.
func New(overlay Overlay, metrics http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		overlay: overlay,
		logger:  logger,
	}
	s.registerRoutes(metrics)
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = l.Addr()
	s.httpSrv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("REST API listening", zap.String("addr", l.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up the /overlay context path.
func (s *Server) registerRoutes(metrics http.Handler) {
	overlay := s.engine.Group("/overlay")

	// Swagger UI
	overlay.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	if metrics != nil {
		overlay.GET("/metrics", gin.WrapH(metrics))
	}

	overlay.GET("/identity", s.identity)
	overlay.GET("/state", s.state)
	overlay.GET("/routing-table", s.routingTable)
	overlay.GET("/outstanding", s.outstanding)

	messages := overlay.Group("/messages")
	{
		messages.POST("", s.send)
		messages.POST("/by-type", s.sendByType)
	}
	overlay.POST("/broadcast", s.broadcast)
	overlay.POST("/ping/:identity", s.ping)
	overlay.POST("/leave", s.leave)
}

// PeerView is one routing table row.
type PeerView struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
	Port     string `json:"port"`
	PeerType string `json:"peerType"`
}

// OutstandingView is a sent message still waiting for its acknowledgement.
type OutstandingView struct {
	MessageID string    `json:"messageId"`
	Identity  string    `json:"identity"`
	SentAt    time.Time `json:"sentAt"`
}

// SendRequest is the body of POST /overlay/messages.
type SendRequest struct {
	Destination   string `json:"destination" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Body          string `json:"body"`
	AwaitResponse bool   `json:"awaitResponse"`
}

// SendByTypeRequest is the body of POST /overlay/messages/by-type.
type SendByTypeRequest struct {
	PeerType string `json:"peerType" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Body     string `json:"body"`
}

// BroadcastRequest is the body of POST /overlay/broadcast.
type BroadcastRequest struct {
	Type string `json:"type" binding:"required"`
	Body string `json:"body"`
}

// DeliveryView reports one peer's outcome of a broadcast.
type DeliveryView struct {
	Identity  string `json:"identity"`
	MessageID string `json:"messageId"`
	Error     string `json:"error,omitempty"`
}

// @Summary Node identity
// @Tags overlay
// @Produce json
// @Success 200 {object} map[string]string
// @Router /overlay/identity [get]
func (s *Server) identity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"identity": s.overlay.Identity()})
}

// @Summary Membership state
// @Tags overlay
// @Produce json
// @Router /overlay/state [get]
func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"identity": s.overlay.Identity(),
		"state":    s.overlay.StateName(),
		"address":  s.overlay.Address(),
		"peerType": s.overlay.PeerType(),
		"peers":    s.overlay.Table().Len(),
	})
}

// @Summary Routing table in insertion order
// @Tags overlay
// @Produce json
// @Success 200 {array} PeerView
// @Router /overlay/routing-table [get]
func (s *Server) routingTable(c *gin.Context) {
	entries := s.overlay.Table().Entries()
	out := make([]PeerView, 0, len(entries))
	for _, e := range entries {
		out = append(out, PeerView{
			Identity: e.Identity,
			Address:  e.Peer.Address,
			Port:     e.Peer.Port,
			PeerType: e.Peer.PeerType,
		})
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Unacknowledged messages, oldest first
// @Tags overlay
// @Produce json
// @Success 200 {array} OutstandingView
// @Router /overlay/outstanding [get]
func (s *Server) outstanding(c *gin.Context) {
	entries := s.overlay.Outstanding()
	slices.SortFunc(entries, func(a, b ledger.Outstanding) int {
		return a.SentAt.Compare(b.SentAt)
	})
	out := make([]OutstandingView, 0, len(entries))
	for _, e := range entries {
		out = append(out, OutstandingView{MessageID: e.MessageID, Identity: e.Identity, SentAt: e.SentAt})
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Send a message to a peer
// @Tags messages
// @Accept json
// @Produce json
// @Param request body SendRequest true "Message"
// @Router /overlay/messages [post]
func (s *Server) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if !req.AwaitResponse {
		msg, err := s.overlay.Send(ctx, req.Destination, req.Type, req.Body)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": msg.ID})
		return
	}

	p, err := s.overlay.Request(ctx, req.Destination, req.Type, req.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID(), "response": resp})
}

// @Summary Send a message to the first peer of a type
// @Tags messages
// @Accept json
// @Produce json
// @Param request body SendByTypeRequest true "Message"
// @Router /overlay/messages/by-type [post]
func (s *Server) sendByType(c *gin.Context) {
	var req SendByTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dest, err := s.overlay.SendToPeerOfType(c.Request.Context(), req.PeerType, req.Type, req.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destination": dest})
}

// @Summary Broadcast a message to every known peer
// @Tags messages
// @Accept json
// @Produce json
// @Param request body BroadcastRequest true "Message"
// @Success 200 {array} DeliveryView
// @Router /overlay/broadcast [post]
func (s *Server) broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.overlay.Broadcast(c.Request.Context(), req.Type, req.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveries(results))
}

// @Summary Measure the round trip to a peer
// @Tags overlay
// @Produce json
// @Param identity path string true "Peer identity"
// @Router /overlay/ping/{identity} [post]
func (s *Server) ping(c *gin.Context) {
	identity := c.Param("identity")
	rtt, err := s.overlay.Ping(c.Request.Context(), identity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "rttMillis": float64(rtt.Microseconds()) / 1000})
}

// @Summary Leave the overlay
// @Tags overlay
// @Produce json
// @Success 200 {array} DeliveryView
// @Router /overlay/leave [post]
func (s *Server) leave(c *gin.Context) {
	results, err := s.overlay.Leave(c.Request.Context())
	if results == nil && err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveries(results))
}

func deliveries(results []dispatch.BroadcastResult) []DeliveryView {
	out := make([]DeliveryView, 0, len(results))
	for _, r := range results {
		v := DeliveryView{Identity: r.Identity, MessageID: r.MessageID}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// fail maps overlay errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		unknown    *routing.UnknownDestinationError
		notPresent *routing.PeerNotPresentError
		status     = http.StatusBadGateway
	)
	switch {
	case errors.As(err, &unknown), errors.As(err, &notPresent):
		status = http.StatusNotFound
	case errors.Is(err, message.ErrReservedType):
		status = http.StatusBadRequest
	case errors.Is(err, message.ErrNoIdentity):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Debug("Admin request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}
