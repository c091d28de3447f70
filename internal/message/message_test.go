package message_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/overlay/internal/message"
)

func TestNewCorrelatesToItself(t *testing.T) {
	m := message.New("CHAT", "hi", "sender")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, m.ID, m.CorrelationID)
	assert.True(t, m.IsTopLevel())
	assert.Equal(t, "sender", m.OriginalSenderID)
}

func TestIdentifiersAreUnique(t *testing.T) {
	const n = 20000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, 2*n)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				id := message.NewIdentity()
				mid := message.New("X", "", "").ID
				mu.Lock()
				seen[id] = struct{}{}
				seen[mid] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 2*n)
	assert.NotContains(t, seen, message.EmptyIdentity)
}

func TestEmptyIdentity(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", message.EmptyIdentity)
	assert.True(t, message.IsEmptyIdentity(""))
	assert.True(t, message.IsEmptyIdentity(message.EmptyIdentity))
	assert.False(t, message.IsEmptyIdentity(message.NewIdentity()))
}

func TestForkGetsFreshID(t *testing.T) {
	m := message.New("CHAT", "body", "a")
	m.SenderAddress = "10.0.0.1:7000"

	f := m.Fork()
	assert.NotEqual(t, m.ID, f.ID)
	assert.Equal(t, f.ID, f.CorrelationID)
	assert.Equal(t, m.Type, f.Type)
	assert.Equal(t, m.Body, f.Body)
	assert.Empty(t, f.SenderAddress)

	reply := message.New("CHAT_RESPONSE", "", "a")
	reply.CorrelationID = m.ID
	assert.Equal(t, m.ID, reply.Fork().CorrelationID)
}

func TestEncodeDecode(t *testing.T) {
	m := message.New(message.TypeJoin, `{"peerType":"wallet","listenPort":"7001"}`, message.EmptyIdentity)
	m.SenderAddress = "ignored"

	data, err := message.Encode(m)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ignored")

	got, err := message.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Body, got.Body)
	assert.Equal(t, m.CorrelationID, got.CorrelationID)
	assert.Equal(t, m.OriginalSenderID, got.OriginalSenderID)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.SenderAddress)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := message.Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = message.Decode([]byte(`{"type":"X"}`))
	assert.Error(t, err)

	_, err = message.Decode([]byte(`{"id":"1"}`))
	assert.Error(t, err)

	got, err := message.Decode([]byte(`{"id":"1","type":"X"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", got.CorrelationID)
}

func TestIsOlderThan(t *testing.T) {
	m := message.New("X", "", "")
	assert.True(t, m.IsOlderThan(time.Now().Add(time.Second)))
	assert.False(t, m.IsOlderThan(time.Now().Add(-time.Minute)))
}

func TestReserved(t *testing.T) {
	for _, typ := range []string{message.TypeJoin, message.TypeJoinResponse, message.TypeNewPeer,
		message.TypeLeave, message.TypeAcknowledge, message.TypePing, message.TypePingResponse} {
		assert.True(t, message.IsReserved(typ), typ)
	}
	assert.False(t, message.IsReserved("CHAT"))
}

func TestJoinResponseTableWireShape(t *testing.T) {
	body, err := message.EncodeBody(message.JoinResponse{
		NewIdentity:      "new",
		ResponderAddress: "10.0.0.1:7000",
		RoutingTable: []message.TableEntry{
			{Identity: "s", Peer: message.PeerEntry{Address: "10.0.0.1", Port: "7000", PeerType: "validator"}},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, body, `"routingTable":[["s",{"address":"10.0.0.1","port":"7000","peerType":"validator"}]]`)

	var got message.JoinResponse
	require.NoError(t, message.DecodeBody(&message.Message{Type: message.TypeJoinResponse, Body: body}, &got))
	require.Len(t, got.RoutingTable, 1)
	assert.Equal(t, "s", got.RoutingTable[0].Identity)
	assert.Equal(t, "7000", got.RoutingTable[0].Peer.Port)
}

func TestDecodeBodyErrors(t *testing.T) {
	var req message.JoinRequest
	assert.Error(t, message.DecodeBody(&message.Message{Type: message.TypeJoin}, &req))
	assert.Error(t, message.DecodeBody(&message.Message{Type: message.TypeJoin, Body: "{"}, &req))

	var resp message.JoinResponse
	err := message.DecodeBody(&message.Message{Type: message.TypeJoinResponse, Body: `{"routingTable":[["only-one"]]}`}, &resp)
	assert.Error(t, err)
}

func TestIsPeerType(t *testing.T) {
	for _, pt := range []string{message.PeerTypeValidator, message.PeerTypeSmartContractEngine, message.PeerTypeWallet, message.PeerTypeInitialPeer} {
		assert.True(t, message.IsPeerType(pt), pt)
	}
	assert.False(t, message.IsPeerType("miner"))
	assert.False(t, message.IsPeerType(""))
}
