// Package routing turns neighbor adjacency changes into kernel routes.
package routing

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomvil/neighprobe/internal/neighbor"
	"github.com/tomvil/neighprobe/pkg/netutils"
)

// Noop ignores adjacency changes.
type Noop struct{}

func (Noop) NeighborUp(neighbor.Neighbor)   {}
func (Noop) NeighborDown(neighbor.Neighbor) {}

type route struct {
	addr      netip.Addr
	linkIndex int
	linkName  string
}

// HostRoutes installs a link-scope /32 route to every live neighbor through
// the interface it was heard on, and removes it when the neighbor goes away.
// Installs that fail are kept pending and retried by Refresh.
type HostRoutes struct {
	mu        sync.Mutex
	ifaces    []netutils.Interface
	installed map[uint32]route
	pending   map[uint32]route
	log       *zap.SugaredLogger

	addRoute    func(netip.Addr, int) error
	removeRoute func(netip.Addr, int) error
	warmup      func(netip.Addr, string) error
}

// WarmupFunc primes the kernel neighbor cache for addr on the named link.
type WarmupFunc func(addr netip.Addr, linkName string) error

// ARPWarmup sends an ARP request.
func ARPWarmup(addr netip.Addr, linkName string) error {
	return netutils.SendARPRequest(addr, linkName)
}

// ICMPWarmup sends a short burst of echo requests.
func ICMPWarmup(addr netip.Addr, _ string) error {
	_, err := netutils.Ping(addr)
	return err
}

// NewHostRoutes returns a strategy routing over ifaces. A nil warmup skips
// cache priming.
func NewHostRoutes(ifaces []netutils.Interface, warmup WarmupFunc, log *zap.SugaredLogger) *HostRoutes {
	return &HostRoutes{
		ifaces:      ifaces,
		installed:   make(map[uint32]route),
		pending:     make(map[uint32]route),
		log:         log,
		addRoute:    netutils.AddRoute,
		removeRoute: netutils.RemoveRoute,
		warmup:      warmup,
	}
}

func (h *HostRoutes) NeighborUp(n neighbor.Neighbor) {
	link, ok := netutils.InterfaceByAddr(h.ifaces, n.Interface)
	if !ok {
		h.log.Warnw("no link for neighbor interface", "node", n.Node, "iface", n.Interface)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r := route{addr: n.Address, linkIndex: link.Index, linkName: link.Name}
	if prev, ok := h.installed[n.Node]; ok {
		if prev == r {
			return
		}
		h.log.Infow("neighbor link changed, re-adding route", "node", n.Node, "address", n.Address)
		delete(h.installed, n.Node)
		h.remove(prev)
	}
	h.install(n.Node, r)
}

// install adds r for node, or parks it as pending when the kernel refuses.
// Called with mu held.
func (h *HostRoutes) install(node uint32, r route) bool {
	if err := h.addRoute(r.addr, r.linkIndex); err != nil {
		h.log.Warnw("failed to add route", "node", node, "address", r.addr, zap.Error(err))
		h.pending[node] = r
		return false
	}
	delete(h.pending, node)
	h.installed[node] = r

	if h.warmup != nil {
		go func() {
			if err := h.warmup(r.addr, r.linkName); err != nil {
				h.log.Debugw("neighbor cache warmup failed", "address", r.addr, zap.Error(err))
			}
		}()
	}
	return true
}

func (h *HostRoutes) NeighborDown(n neighbor.Neighbor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.pending, n.Node)
	r, ok := h.installed[n.Node]
	if !ok {
		return
	}
	delete(h.installed, n.Node)
	h.remove(r)
}

func (h *HostRoutes) remove(r route) {
	if err := h.removeRoute(r.addr, r.linkIndex); err != nil {
		h.log.Warnw("failed to remove route", "address", r.addr, zap.Error(err))
	}
}

// Refresh retries pending installs and re-primes the neighbor cache for
// every installed route on each tick until ctx is done.
func (h *HostRoutes) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.retryPending()
			if h.warmup == nil {
				continue
			}
			for _, r := range h.routes() {
				if err := h.warmup(r.addr, r.linkName); err != nil {
					h.log.Debugw("neighbor cache refresh failed", "address", r.addr, zap.Error(err))
				}
			}
		}
	}
}

// retryPending attempts every pending install once and returns how many are
// still pending.
func (h *HostRoutes) retryPending() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for node, r := range h.pending {
		if h.install(node, r) {
			h.log.Infow("route installed on retry", "node", node, "address", r.addr)
		}
	}
	return len(h.pending)
}

func (h *HostRoutes) routes() []route {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]route, 0, len(h.installed))
	for _, r := range h.installed {
		out = append(out, r)
	}
	return out
}

// Installed returns the number of routes currently installed.
func (h *HostRoutes) Installed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.installed)
}

// Cleanup removes every installed route.
func (h *HostRoutes) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for node, r := range h.installed {
		h.remove(r)
		delete(h.installed, node)
	}
	clear(h.pending)
}
