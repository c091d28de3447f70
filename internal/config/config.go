package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/iggydv12/overlay/internal/message"
)

// EnvPrefix prefixes every environment override, e.g. OVERLAY_NODE_LISTENPORT.
const EnvPrefix = "OVERLAY"

// Config is the root configuration struct
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Transport TransportConfig `mapstructure:"transport"`
	Liveness  LivenessConfig  `mapstructure:"liveness"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Store     StoreConfig     `mapstructure:"store"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
}

// NodeConfig holds per-node configuration
type NodeConfig struct {
	ListenPort      string        `mapstructure:"listenPort" validate:"required,numeric"`
	AdvertiseHost   string        `mapstructure:"advertiseHost" validate:"required"`
	PeerType        string        `mapstructure:"peerType" validate:"peertype"`
	ResponseTimeout time.Duration `mapstructure:"responseTimeout" validate:"gte=0"`
	JoinTimeout     time.Duration `mapstructure:"joinTimeout" validate:"gte=0"`
}

// TransportConfig selects and tunes the wire transport
type TransportConfig struct {
	Kind         string        `mapstructure:"kind" validate:"oneof=grpc quic memory"`
	DialAttempts uint          `mapstructure:"dialAttempts" validate:"gte=1"`
	DialDelay    time.Duration `mapstructure:"dialDelay" validate:"gte=0"`
	SendTimeout  time.Duration `mapstructure:"sendTimeout" validate:"gt=0"`
}

// LivenessConfig holds the ledger and dedup timings
type LivenessConfig struct {
	MessageExpiration  time.Duration `mapstructure:"messageExpiration" validate:"gt=0"`
	SweepInterval      time.Duration `mapstructure:"sweepInterval" validate:"gt=0"`
	DedupWindow        time.Duration `mapstructure:"dedupWindow" validate:"gte=0"`
	DedupSweepInterval time.Duration `mapstructure:"dedupSweepInterval" validate:"gt=0"`
}

// DiscoveryConfig lists where seeds come from
type DiscoveryConfig struct {
	Seeds []string   `mapstructure:"seeds"`
	Etcd  EtcdConfig `mapstructure:"etcd"`
}

// EtcdConfig configures the optional etcd seed registry
type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Prefix    string   `mapstructure:"prefix" validate:"required_with=Endpoints"`
	LeaseTTL  int64    `mapstructure:"leaseTTL" validate:"gte=5"`
}

// StoreConfig configures the durable peer book
type StoreConfig struct {
	Path   string `mapstructure:"path"`
	Reseed bool   `mapstructure:"reseed"`
}

// AdminConfig configures the admin HTTP API
type AdminConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// ListenAddr returns the address the transport binds: every interface, IPv4
// and IPv6.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", c.Node.ListenPort)
}

// AdvertiseAddr returns the address peers use to reach this node.
func (c *Config) AdvertiseAddr() string {
	return net.JoinHostPort(c.Node.AdvertiseHost, c.Node.ListenPort)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.listenPort", "")
	v.SetDefault("node.advertiseHost", "127.0.0.1")
	v.SetDefault("node.peerType", "validator")
	v.SetDefault("node.responseTimeout", time.Duration(0))
	v.SetDefault("node.joinTimeout", time.Duration(0))
	v.SetDefault("transport.kind", "grpc")
	v.SetDefault("transport.dialAttempts", 3)
	v.SetDefault("transport.dialDelay", 200*time.Millisecond)
	v.SetDefault("transport.sendTimeout", 5*time.Second)
	v.SetDefault("liveness.messageExpiration", 10*time.Second)
	v.SetDefault("liveness.sweepInterval", 60*time.Second)
	v.SetDefault("liveness.dedupWindow", 10*time.Minute)
	v.SetDefault("liveness.dedupSweepInterval", 60*time.Second)
	v.SetDefault("discovery.seeds", []string{})
	v.SetDefault("discovery.etcd.endpoints", []string{})
	v.SetDefault("discovery.etcd.prefix", "/overlay/nodes/")
	v.SetDefault("discovery.etcd.leaseTTL", 30)
	v.SetDefault("store.path", "")
	v.SetDefault("store.reseed", true)
	v.SetDefault("admin.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from file and environment, then validates it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Environment values for list keys arrive as one comma separated string.
	cfg.Discovery.Seeds = splitList(cfg.Discovery.Seeds)
	cfg.Discovery.Etcd.Endpoints = splitList(cfg.Discovery.Etcd.Endpoints)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.RegisterValidation("peertype", func(fl validator.FieldLevel) bool {
		return message.IsPeerType(fl.Field().String())
	}); err != nil {
		return err
	}
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
