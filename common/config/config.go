package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

var NodeConfigFileName = "config.json"

// NodeConfig is the full daemon configuration, one sub-struct per
// subsystem. It is persisted as JSON under the node's root path.
type NodeConfig struct {
	RootPath  string
	Network   NetworkConfig
	Bootstrap BootstrapConfig
	DHT       DHTConfig
	Cache     CacheConfig
	Resolver  ResolverConfig
	RateLimit RateLimitConfig
	Relay     RelayConfig
	Log       LogConfig
}

// NetworkConfig controls the listen settings for the libp2p host.
type NetworkConfig struct {
	ListenAddrs []string
	IsLocalNet  bool
}

type BootstrapConfig struct {
	// BootstrapPeers are multiaddrs with peer IDs, dialed on startup.
	BootstrapPeers []string
}

type DHTConfig struct {
	// DatastorePath is relative to RootPath.
	DatastorePath  string
	ProtocolPrefix string
	ServerMode     bool
}

type CacheConfig struct {
	MaxSize int
	// InMemory selects the bounded LRU cache; otherwise packets are kept
	// in a datastore at DatastorePath (relative to RootPath).
	InMemory      bool
	DatastorePath string
}

type ResolverConfig struct {
	MinimumTTL     uint32
	MaximumTTL     uint32
	Resolvers      []string
	RefreshWorkers int
}

type RateLimitConfig struct {
	Enable    bool
	BurstSize int64
	PerSecond float64
	IdleAfter time.Duration
}

type RelayConfig struct {
	// Relays are HTTP relay base URLs used by the relay client.
	Relays []string
}

type LogConfig struct {
	ModuleLevels map[string]string
}

func NewDefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/9000",
				"/ip4/0.0.0.0/udp/9000/quic-v1",
			},
		},
		DHT: DHTConfig{
			DatastorePath:  "dhtdata",
			ProtocolPrefix: "/pkdns",
			ServerMode:     true,
		},
		Cache: CacheConfig{
			MaxSize:       1000,
			InMemory:      true,
			DatastorePath: "cachedata",
		},
		Resolver: ResolverConfig{
			MinimumTTL:     30,
			MaximumTTL:     86400,
			RefreshWorkers: 4,
		},
		RateLimit: RateLimitConfig{
			Enable:    true,
			BurstSize: 10,
			PerSecond: 2,
			IdleAfter: 5 * time.Minute,
		},
		Log: LogConfig{
			ModuleLevels: map[string]string{
				"packet":    "info",
				"cache":     "info",
				"resolver":  "info",
				"client":    "info",
				"relay":     "info",
				"kadengine": "info",
				"pkdnsd":    "info",
			},
		},
	}
}

// LoadConfig reads a JSON config file into cfg; an empty path is a no-op so
// callers can treat the file as optional.
func LoadConfig(cfg any, filePath string) error {
	if filePath == "" {
		return nil
	}
	cfgFile, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer cfgFile.Close()
	return json.NewDecoder(cfgFile).Decode(cfg)
}

// StoreConfig writes cfg as indented JSON.
func StoreConfig(cfg any, filePath string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

func (cfg *NodeConfig) LoadConfig(rootPath string) error {
	return LoadConfig(cfg, filepath.Join(rootPath, NodeConfigFileName))
}

func (cfg *NodeConfig) StoreConfig(rootPath string) error {
	return StoreConfig(cfg, filepath.Join(rootPath, NodeConfigFileName))
}
