package engine

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/tomvil/neighprobe/internal/probe"
	"github.com/tomvil/neighprobe/internal/telemetry"
	"github.com/tomvil/neighprobe/pkg/message"
)

// auditNeighbors expires stale neighbors, then broadcasts a discovery
// request to find who is still there.
func (e *Engine) auditNeighbors() {
	now := e.clock.Now()
	for _, n := range e.neighbors.Audit(now, e.cfg.NeighborTimeout) {
		telemetry.NeighborEvents.WithLabelValues(telemetry.NeighborExpired).Inc()
		e.log.Infow("neighbor expired", "node", n.Node, "address", n.Address, "iface", n.Interface, "age", n.Age(now))
		e.routes.NeighborDown(n)
	}
	telemetry.Neighbors.Set(float64(e.neighbors.Len()))

	hello := &message.Message{
		Header: message.Header{
			Sequence:   e.seq.Next(),
			TTL:        discoveryTTL,
			Originator: e.mainAddr,
		},
		Payload: &message.DiscoveryRequest{
			Target: netip.IPv4Unspecified(),
			Text:   discoveryText,
		},
	}
	if err := e.broadcast(hello); err != nil {
		e.log.Errorw("failed to send discovery request", zap.Error(err))
	}
}

func (e *Engine) auditProbes() {
	for _, p := range e.probes.Audit(e.clock.Now(), e.cfg.ProbeTimeout) {
		telemetry.Probes.WithLabelValues(telemetry.ProbeExpired).Inc()
		e.log.Infow("probe expired", "seq", p.Sequence, "address", p.Destination, "text", p.Text)
		e.notifyExpired(p)
	}
}

func (e *Engine) notifyExpired(p probe.Entry) {
	w, ok := e.waiters[p.Sequence]
	if !ok {
		return
	}
	delete(e.waiters, p.Sequence)
	w.ch <- ProbeResult{
		Node:     w.node,
		Sequence: p.Sequence,
		Address:  p.Destination,
		Text:     p.Text,
		RTT:      e.clock.Now().Sub(p.IssuedAt),
		Expired:  true,
	}
}
