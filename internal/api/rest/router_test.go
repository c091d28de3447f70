package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/overlay/internal/api/rest"
	"github.com/iggydv12/overlay/internal/dispatch"
	"github.com/iggydv12/overlay/internal/ledger"
	"github.com/iggydv12/overlay/internal/message"
	"github.com/iggydv12/overlay/internal/routing"
	"github.com/iggydv12/overlay/internal/telemetry"
)

type fakeOverlay struct {
	identity string
	table    *routing.Table
	sent     []string
	left     bool
}

func newFakeOverlay() *fakeOverlay {
	tbl := routing.NewTable()
	tbl.AddPeer("p1", routing.PeerNode{Address: "10.0.0.1", Port: "7000", PeerType: "validator"})
	tbl.AddPeer("p2", routing.PeerNode{Address: "10.0.0.2", Port: "7000", PeerType: "wallet"})
	return &fakeOverlay{identity: "self", table: tbl}
}

func (f *fakeOverlay) Identity() string      { return f.identity }
func (f *fakeOverlay) StateName() string     { return "member" }
func (f *fakeOverlay) Address() string       { return "10.0.0.9:7000" }
func (f *fakeOverlay) PeerType() string      { return "validator" }
func (f *fakeOverlay) Table() *routing.Table { return f.table }

var sentAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func (f *fakeOverlay) Outstanding() []ledger.Outstanding {
	return []ledger.Outstanding{
		{MessageID: "m2", Identity: "p2", SentAt: sentAt.Add(time.Second)},
		{MessageID: "m1", Identity: "p1", SentAt: sentAt},
	}
}

func (f *fakeOverlay) check(msgType string) error {
	if message.IsReserved(msgType) {
		return fmt.Errorf("%w: %s", message.ErrReservedType, msgType)
	}
	if f.identity == "" {
		return message.ErrNoIdentity
	}
	return nil
}

func (f *fakeOverlay) Send(_ context.Context, identity, msgType, body string) (*message.Message, error) {
	if err := f.check(msgType); err != nil {
		return nil, err
	}
	if !f.table.Contains(identity) {
		return nil, &routing.UnknownDestinationError{Identity: identity}
	}
	f.sent = append(f.sent, identity+"/"+msgType)
	return message.New(msgType, body, f.identity), nil
}

func (f *fakeOverlay) Request(_ context.Context, identity, _, _ string) (*dispatch.Pending, error) {
	return nil, &routing.UnknownDestinationError{Identity: identity}
}

func (f *fakeOverlay) SendToPeerOfType(_ context.Context, peerType, msgType, _ string) (string, error) {
	if err := f.check(msgType); err != nil {
		return "", err
	}
	id, _, ok := f.table.PeerOfType(peerType)
	if !ok {
		return "", &routing.PeerNotPresentError{PeerType: peerType}
	}
	return id, nil
}

func (f *fakeOverlay) Broadcast(_ context.Context, msgType, _ string) ([]dispatch.BroadcastResult, error) {
	if err := f.check(msgType); err != nil {
		return nil, err
	}
	return []dispatch.BroadcastResult{
		{Identity: "p1", MessageID: "m1"},
		{Identity: "p2", MessageID: "m2", Err: errors.New("unreachable")},
	}, nil
}

func (f *fakeOverlay) Ping(_ context.Context, identity string) (time.Duration, error) {
	if identity == "slow" {
		return 0, dispatch.ErrResponseTimeout
	}
	return 1500 * time.Microsecond, nil
}

func (f *fakeOverlay) Leave(context.Context) ([]dispatch.BroadcastResult, error) {
	f.left = true
	return []dispatch.BroadcastResult{{Identity: "p1", MessageID: "m1"}}, nil
}

func setupServer(t *testing.T) (*fakeOverlay, http.Handler) {
	t.Helper()
	f := newFakeOverlay()
	m := telemetry.New()
	m.SetTableSize(2)
	return f, rest.New(f, m.Handler(), zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdentityAndState(t *testing.T) {
	_, h := setupServer(t)

	rec := do(t, h, http.MethodGet, "/overlay/identity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"self"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/overlay/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"self","state":"member","address":"10.0.0.9:7000","peerType":"validator","peers":2}`, rec.Body.String())
}

func TestRoutingTable(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/overlay/routing-table", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var peers []rest.PeerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 2)
	assert.Equal(t, "p1", peers[0].Identity)
	assert.Equal(t, "wallet", peers[1].PeerType)
}

func TestOutstandingOldestFirst(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/overlay/outstanding", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []rest.OutstandingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "m1", out[0].MessageID)
	assert.Equal(t, "p2", out[1].Identity)
	assert.True(t, out[0].SentAt.Equal(sentAt))
}

func TestSendMessage(t *testing.T) {
	f, h := setupServer(t)

	rec := do(t, h, http.MethodPost, "/overlay/messages", `{"destination":"p1","type":"GREETING","body":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1/GREETING"}, f.sent)

	rec = do(t, h, http.MethodPost, "/overlay/messages", `{"destination":"ghost","type":"GREETING"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown destination")

	rec = do(t, h, http.MethodPost, "/overlay/messages", `{"destination":"p1","type":"JOIN"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/overlay/messages", `{"type":"GREETING"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.identity = ""
	rec = do(t, h, http.MethodPost, "/overlay/messages", `{"destination":"p1","type":"GREETING"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendByType(t *testing.T) {
	_, h := setupServer(t)

	rec := do(t, h, http.MethodPost, "/overlay/messages/by-type", `{"peerType":"wallet","type":"PAY"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"destination":"p2"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/overlay/messages/by-type", `{"peerType":"smart_contract_engine","type":"RUN"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "peer not present")
}

func TestBroadcastReportsPerPeer(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodPost, "/overlay/broadcast", `{"type":"NEWS","body":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []rest.DeliveryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Empty(t, out[0].Error)
	assert.Equal(t, "unreachable", out[1].Error)
}

func TestPing(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodPost, "/overlay/ping/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"p1","rttMillis":1.5}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/overlay/ping/slow", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestLeave(t *testing.T) {
	f, h := setupServer(t)
	rec := do(t, h, http.MethodPost, "/overlay/leave", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.left)
}

func TestMetricsRoute(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodGet, "/overlay/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "overlay_routing_table_size 2")
}

func TestStartAndShutdown(t *testing.T) {
	srv := rest.New(newFakeOverlay(), nil, zap.NewNop())
	require.NoError(t, srv.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + srv.Addr().String() + "/overlay/identity")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
}
