// Package engine runs the neighbor discovery and probe protocol on top of a
// transport channel.
//
// All state is owned by the goroutine executing Run. Inbound packets, both
// audit cycles and application requests are handled one at a time by its
// select loop, so the neighbor table and the probe tracker are never shared.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tomvil/neighprobe/internal/logger"
	"github.com/tomvil/neighprobe/internal/neighbor"
	"github.com/tomvil/neighprobe/internal/probe"
	"github.com/tomvil/neighprobe/internal/transport"
	"github.com/tomvil/neighprobe/pkg/message"
)

// ProbeResult describes a probe that completed.
type ProbeResult struct {
	Node     uint32
	Sequence uint16
	Address  netip.Addr
	Text     string
	RTT      time.Duration
	Expired  bool
}

type waiter struct {
	node uint32
	ch   chan ProbeResult
}

type Engine struct {
	cfg      Config
	ch       transport.Channel
	dir      Directory
	routes   RouteStrategy
	clock    clock.Clock
	log      *zap.SugaredLogger
	mainAddr netip.Addr
	local    map[netip.Addr]struct{}

	seq       *probe.Sequence
	neighbors *neighbor.Table
	probes    *probe.Tracker
	waiters   map[uint16]waiter

	calls chan func()
	done  chan struct{}
}

// New creates an engine bound to ch. Run must be called to start it.
func New(ch transport.Channel, dir Directory, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Log == nil {
		o.Log = logger.L().Named("engine")
	}

	local := make(map[netip.Addr]struct{})
	for _, addr := range ch.LocalAddrs() {
		local[addr] = struct{}{}
	}
	if len(local) == 0 {
		return nil, errors.New("channel has no local addresses")
	}

	mainAddr := o.MainAddress
	if !mainAddr.IsValid() {
		mainAddr = ch.LocalAddrs()[0]
	}
	if !mainAddr.Is4() {
		return nil, fmt.Errorf("main address %s is not IPv4", mainAddr)
	}
	local[mainAddr] = struct{}{}

	seq := &probe.Sequence{}
	return &Engine{
		cfg:       cfg,
		ch:        ch,
		dir:       dir,
		routes:    o.Routes,
		clock:     o.Clock,
		log:       o.Log,
		mainAddr:  mainAddr,
		local:     local,
		seq:       seq,
		neighbors: neighbor.NewTable(),
		probes:    probe.NewTracker(seq),
		waiters:   make(map[uint16]waiter),
		calls:     make(chan func()),
		done:      make(chan struct{}),
	}, nil
}

// MainAddress returns the address used as originator in every message.
func (e *Engine) MainAddress() netip.Addr {
	return e.mainAddr
}

// Run processes packets and drives both audit cycles until ctx is cancelled
// or the channel closes. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	discovery := e.clock.Ticker(e.cfg.DiscoveryInterval)
	defer discovery.Stop()
	probes := e.clock.Ticker(e.cfg.ProbeTimeout)
	defer probes.Stop()

	e.log.Infow("engine started",
		"main_address", e.mainAddr,
		"port", e.cfg.Port,
		"discovery_interval", e.cfg.DiscoveryInterval,
		"neighbor_timeout", e.cfg.NeighborTimeout,
		"probe_timeout", e.cfg.ProbeTimeout,
	)
	e.auditNeighbors()

	incoming := e.ch.Incoming()
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("engine stopped", "neighbors", e.neighbors.Len(), "outstanding_probes", e.probes.Len())
			return nil
		case pkt, ok := <-incoming:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return transport.ErrClosed
			}
			e.handle(pkt)
		case <-discovery.C:
			e.auditNeighbors()
		case <-probes.C:
			e.auditProbes()
		case fn := <-e.calls:
			fn()
		}
	}
}

// do runs fn on the engine loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.calls <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	<-finished
	return nil
}

func (e *Engine) resolve(node uint32, text string) (netip.Addr, error) {
	if len(text) > message.MaxTextLen {
		return netip.Addr{}, message.ErrTextTooLong
	}
	addr, ok := e.dir.Resolve(node)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %d", ErrUnknownNode, node)
	}
	return addr, nil
}

// Ping sends a probe carrying text to node and returns its sequence number.
// Unknown nodes are rejected without consuming a sequence number.
func (e *Engine) Ping(ctx context.Context, node uint32, text string) (uint16, error) {
	addr, err := e.resolve(node, text)
	if err != nil {
		return 0, err
	}

	var seq uint16
	if err := e.do(ctx, func() {
		seq = e.sendProbe(node, addr, text, nil)
	}); err != nil {
		return 0, err
	}
	return seq, nil
}

// PingWait sends a probe and blocks until it is answered, expires or ctx is
// done. An expired probe is returned together with ErrProbeExpired.
func (e *Engine) PingWait(ctx context.Context, node uint32, text string) (ProbeResult, error) {
	addr, err := e.resolve(node, text)
	if err != nil {
		return ProbeResult{}, err
	}

	result := make(chan ProbeResult, 1)
	if err := e.do(ctx, func() {
		e.sendProbe(node, addr, text, result)
	}); err != nil {
		return ProbeResult{}, err
	}

	select {
	case r := <-result:
		if r.Expired {
			return r, ErrProbeExpired
		}
		return r, nil
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	case <-e.done:
		return ProbeResult{}, ErrStopped
	}
}

// Neighbors returns a snapshot of the neighbor table ordered by node number.
func (e *Engine) Neighbors(ctx context.Context) ([]neighbor.Neighbor, error) {
	var list []neighbor.Neighbor
	if err := e.do(ctx, func() {
		list = e.neighbors.List()
	}); err != nil {
		return nil, err
	}
	return list, nil
}

// Outstanding returns the probes still waiting for a response.
func (e *Engine) Outstanding(ctx context.Context) (int, error) {
	var n int
	if err := e.do(ctx, func() {
		n = e.probes.Len()
	}); err != nil {
		return 0, err
	}
	return n, nil
}
