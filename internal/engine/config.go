package engine

import (
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomvil/neighprobe/internal/neighbor"
)

const (
	DefaultPort              = 698
	DefaultProbeTimeout      = 2 * time.Second
	DefaultNeighborTimeout   = 5 * time.Second
	DefaultDiscoveryInterval = 5 * time.Second
	DefaultMaxTTL            = 16

	discoveryText      = "HELLO"
	discoveryReplyText = "HELLO_REPLY"
	discoveryTTL       = 1
)

// Config holds the protocol tunables.
type Config struct {
	Port              uint16
	ProbeTimeout      time.Duration
	NeighborTimeout   time.Duration
	DiscoveryInterval time.Duration
	MaxTTL            uint8
}

func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		ProbeTimeout:      DefaultProbeTimeout,
		NeighborTimeout:   DefaultNeighborTimeout,
		DiscoveryInterval: DefaultDiscoveryInterval,
		MaxTTL:            DefaultMaxTTL,
	}
}

func (c Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.NeighborTimeout <= 0 {
		return errors.New("neighbor timeout must be positive")
	}
	if c.DiscoveryInterval <= 0 {
		return errors.New("discovery interval must be positive")
	}
	if c.MaxTTL == 0 {
		return errors.New("max TTL must be positive")
	}
	return nil
}

// Directory maps logical node numbers to addresses and back. Implementations
// must be safe for concurrent use.
type Directory interface {
	Resolve(node uint32) (netip.Addr, bool)
	ReverseResolve(addr netip.Addr) (uint32, bool)
}

// RouteStrategy is told about adjacency changes. Calls are made from the
// engine loop and must not block.
type RouteStrategy interface {
	NeighborUp(n neighbor.Neighbor)
	NeighborDown(n neighbor.Neighbor)
}

type noRoutes struct{}

func (noRoutes) NeighborUp(neighbor.Neighbor)   {}
func (noRoutes) NeighborDown(neighbor.Neighbor) {}

type options struct {
	Log         *zap.SugaredLogger
	Clock       clock.Clock
	Routes      RouteStrategy
	MainAddress netip.Addr
}

func newOptions() *options {
	return &options{
		Clock:  clock.New(),
		Routes: noRoutes{},
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithClock sets the time source for timestamps and both cycles.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithRouteStrategy installs a strategy notified of neighbor changes.
func WithRouteStrategy(r RouteStrategy) Option {
	return func(o *options) {
		if r != nil {
			o.Routes = r
		}
	}
}

// WithMainAddress overrides the originator address. By default the first
// local address of the channel is used.
func WithMainAddress(addr netip.Addr) Option {
	return func(o *options) {
		o.MainAddress = addr
	}
}
