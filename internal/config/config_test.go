package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/overlay/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OVERLAY_NODE_LISTENPORT", "7000")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Node.ListenPort)
	assert.Equal(t, "127.0.0.1", cfg.Node.AdvertiseHost)
	assert.Equal(t, "validator", cfg.Node.PeerType)
	assert.Equal(t, "grpc", cfg.Transport.Kind)
	assert.EqualValues(t, 3, cfg.Transport.DialAttempts)
	assert.Equal(t, 10*time.Second, cfg.Liveness.MessageExpiration)
	assert.Equal(t, 60*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.Liveness.DedupWindow)
	assert.Equal(t, "/overlay/nodes/", cfg.Discovery.Etcd.Prefix)
	assert.True(t, cfg.Store.Reseed)
	assert.Empty(t, cfg.Discovery.Seeds)
	assert.Equal(t, "127.0.0.1:7000", cfg.AdvertiseAddr())
	assert.Equal(t, ":7000", cfg.ListenAddr())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node:
  listenPort: "7100"
  peerType: wallet
  joinTimeout: 3s
transport:
  kind: quic
liveness:
  messageExpiration: 2s
discovery:
  seeds:
    - 10.0.0.1:7000
    - /ip4/10.0.0.2/udp/7000
admin:
  addr: 127.0.0.1:8080
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7100", cfg.Node.ListenPort)
	assert.Equal(t, "wallet", cfg.Node.PeerType)
	assert.Equal(t, 3*time.Second, cfg.Node.JoinTimeout)
	assert.Equal(t, "quic", cfg.Transport.Kind)
	assert.Equal(t, 2*time.Second, cfg.Liveness.MessageExpiration)
	assert.Equal(t, []string{"10.0.0.1:7000", "/ip4/10.0.0.2/udp/7000"}, cfg.Discovery.Seeds)
	assert.Equal(t, "127.0.0.1:8080", cfg.Admin.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "node:\n  listenPort: \"7100\"\n")
	t.Setenv("OVERLAY_NODE_LISTENPORT", "7200")
	t.Setenv("OVERLAY_TRANSPORT_KIND", "memory")
	t.Setenv("OVERLAY_DISCOVERY_SEEDS", "10.0.0.1:7000,10.0.0.2:7000")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7200", cfg.Node.ListenPort)
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.Discovery.Seeds)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing listen port", "node:\n  peerType: validator\n"},
		{"non numeric port", "node:\n  listenPort: abc\n"},
		{"unknown peer type", "node:\n  listenPort: \"7000\"\n  peerType: miner\n"},
		{"unknown transport", "node:\n  listenPort: \"7000\"\ntransport:\n  kind: smoke-signals\n"},
		{"bad admin addr", "node:\n  listenPort: \"7000\"\nadmin:\n  addr: nowhere\n"},
		{"zero expiration", "node:\n  listenPort: \"7000\"\nliveness:\n  messageExpiration: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestMalformedFile(t *testing.T) {
	_, err := config.Load(writeConfig(t, "node: [unterminated"))
	assert.Error(t, err)
}

func TestIPv6Addresses(t *testing.T) {
	cfg := &config.Config{Node: config.NodeConfig{ListenPort: "7000", AdvertiseHost: "fd00::1"}}
	assert.Equal(t, "[fd00::1]:7000", cfg.AdvertiseAddr())
	assert.Equal(t, ":7000", cfg.ListenAddr())
}

func TestUnknownPeerTypeNamed(t *testing.T) {
	_, err := config.Load(writeConfig(t, "node:\n  listenPort: \"7000\"\n  peerType: miner\n"))
	assert.ErrorContains(t, err, `Config.Node.PeerType failed "peertype"`)
}
