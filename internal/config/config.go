package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/tomvil/neighprobe/internal/engine"
)

// Warmup methods for the host route strategy.
const (
	WarmupNone = "none"
	WarmupARP  = "arp"
	WarmupICMP = "icmp"
)

// Config is the node configuration.
type Config struct {
	// Node is this node's number in the directory.
	Node uint32 `yaml:"node"`
	// Port is the UDP port the protocol runs on.
	Port uint16 `yaml:"port"`
	// Interfaces restricts the bound interfaces. Empty means every up,
	// non-loopback IPv4 interface.
	Interfaces []string `yaml:"interfaces"`
	// MainAddress is the originator address. Defaults to the first bound
	// interface address.
	MainAddress       netip.Addr        `yaml:"main_address"`
	PingTimeout       time.Duration     `yaml:"ping_timeout"`
	NeighborTimeout   time.Duration     `yaml:"neighbor_timeout"`
	DiscoveryInterval time.Duration     `yaml:"discovery_interval"`
	MaxTTL            uint8             `yaml:"max_ttl"`
	ReadBufferSize    datasize.ByteSize `yaml:"read_buffer_size"`
	// BindTimeout bounds how long socket binding is retried at startup.
	BindTimeout time.Duration   `yaml:"bind_timeout"`
	Log         LogConfig       `yaml:"log"`
	API         APIConfig       `yaml:"api"`
	Routes      RoutesConfig    `yaml:"routes"`
	Directory   DirectoryConfig `yaml:"directory"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

type APIConfig struct {
	// Listen is the HTTP API address. Empty disables the API.
	Listen string `yaml:"listen"`
}

// RoutesConfig controls host route installation for live neighbors.
type RoutesConfig struct {
	Install bool `yaml:"install"`
	// Warmup is how the kernel neighbor cache is primed after a route is
	// installed: none, arp or icmp.
	Warmup string `yaml:"warmup"`
}

type DirectoryConfig struct {
	// Nodes maps node numbers to addresses, primary first.
	Nodes map[uint32][]netip.Addr `yaml:"nodes"`
	Etcd  EtcdConfig              `yaml:"etcd"`
}

// EtcdConfig enables the etcd directory when Endpoints is not empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:              engine.DefaultPort,
		PingTimeout:       engine.DefaultProbeTimeout,
		NeighborTimeout:   engine.DefaultNeighborTimeout,
		DiscoveryInterval: engine.DefaultDiscoveryInterval,
		MaxTTL:            engine.DefaultMaxTTL,
		ReadBufferSize:    2 * datasize.KB,
		BindTimeout:       30 * time.Second,
		API: APIConfig{
			Listen: "127.0.0.1:8698",
		},
		Routes: RoutesConfig{
			Warmup: WarmupARP,
		},
		Directory: DirectoryConfig{
			Nodes: make(map[uint32][]netip.Addr),
			Etcd: EtcdConfig{
				Prefix:      "/neighprobe/nodes",
				LeaseTTL:    10,
				DialTimeout: 5 * time.Second,
			},
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == 0 {
		return errors.New("port must be set")
	}
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if c.MainAddress.IsValid() && !c.MainAddress.Is4() {
		return fmt.Errorf("main_address %s is not IPv4", c.MainAddress)
	}
	if c.ReadBufferSize < 64*datasize.B || c.ReadBufferSize > 64*datasize.KB {
		return fmt.Errorf("read_buffer_size %s out of range [64B, 64KB]", c.ReadBufferSize.HR())
	}
	switch c.Routes.Warmup {
	case "", WarmupNone, WarmupARP, WarmupICMP:
	default:
		return fmt.Errorf("unknown route warmup %q", c.Routes.Warmup)
	}
	for node, addrs := range c.Directory.Nodes {
		if len(addrs) == 0 {
			return fmt.Errorf("node %d has no addresses", node)
		}
		for _, a := range addrs {
			if !a.Is4() {
				return fmt.Errorf("node %d: %s is not IPv4", node, a)
			}
		}
	}
	if c.EtcdEnabled() && c.Directory.Etcd.LeaseTTL <= 0 {
		return errors.New("directory.etcd.lease_ttl must be positive")
	}
	return nil
}

// EtcdEnabled reports whether the etcd directory is configured.
func (c *Config) EtcdEnabled() bool {
	return len(c.Directory.Etcd.Endpoints) > 0
}

// Engine returns the protocol tunables.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Port:              c.Port,
		ProbeTimeout:      c.PingTimeout,
		NeighborTimeout:   c.NeighborTimeout,
		DiscoveryInterval: c.DiscoveryInterval,
		MaxTTL:            c.MaxTTL,
	}
}
