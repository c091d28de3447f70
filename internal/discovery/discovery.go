// Package discovery finds the seed addresses a node joins through and
// publishes the node's own address for others to find.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// SeedSource yields candidate seed addresses in host:port form.
type SeedSource interface {
	Seeds(ctx context.Context) ([]string, error)
}

// StaticSeeds is a fixed seed list, as given in the configuration.
type StaticSeeds []string

// Seeds parses every configured seed. A malformed entry fails the whole list.
func (s StaticSeeds) Seeds(context.Context) ([]string, error) {
	out := make([]string, 0, len(s))
	for _, raw := range s {
		addr, err := ParseSeed(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseSeed accepts host:port or a multiaddr such as /ip4/10.0.0.1/tcp/7000
// or /dns4/seed.example/udp/7000 and returns host:port.
func ParseSeed(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty seed")
	}
	if !strings.HasPrefix(raw, "/") {
		host, port, err := net.SplitHostPort(raw)
		if err != nil {
			return "", fmt.Errorf("seed %q: %w", raw, err)
		}
		if host == "" || port == "" {
			return "", fmt.Errorf("seed %q: host and port required", raw)
		}
		return raw, nil
	}

	ma, err := multiaddr.NewMultiaddr(raw)
	if err != nil {
		return "", fmt.Errorf("seed %q: %w", raw, err)
	}
	host, err := firstValue(ma, multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6)
	if err != nil {
		return "", fmt.Errorf("seed %q: no host component", raw)
	}
	port, err := firstValue(ma, multiaddr.P_TCP, multiaddr.P_UDP)
	if err != nil {
		return "", fmt.Errorf("seed %q: no port component", raw)
	}
	return net.JoinHostPort(host, port), nil
}

func firstValue(ma multiaddr.Multiaddr, codes ...int) (string, error) {
	for _, code := range codes {
		if v, err := ma.ValueForProtocol(code); err == nil && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("protocol not present")
}

// Collect merges the seeds of every source in order, dropping duplicates and
// the node's own address. A failing source is logged and skipped.
func Collect(ctx context.Context, self string, logger *zap.Logger, sources ...SeedSource) []string {
	seen := map[string]struct{}{self: {}}
	var out []string
	for _, src := range sources {
		if src == nil {
			continue
		}
		seeds, err := src.Seeds(ctx)
		if err != nil {
			logger.Warn("Seed source failed", zap.String("source", fmt.Sprintf("%T", src)), zap.Error(err))
			continue
		}
		for _, s := range seeds {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
