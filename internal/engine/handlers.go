package engine

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/tomvil/neighprobe/internal/neighbor"
	"github.com/tomvil/neighprobe/internal/telemetry"
	"github.com/tomvil/neighprobe/internal/transport"
	"github.com/tomvil/neighprobe/pkg/message"
)

func (e *Engine) isLocal(addr netip.Addr) bool {
	_, ok := e.local[addr]
	return ok
}

// handle decodes and dispatches one packet. Errors are logged and counted,
// never propagated.
func (e *Engine) handle(pkt transport.Packet) {
	msg, err := message.Decode(pkt.Data)
	if err != nil {
		telemetry.MessagesDropped.WithLabelValues(telemetry.DropMalformed).Inc()
		e.log.Warnw("dropping malformed packet", "iface", pkt.Interface, "from", pkt.From, zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Type().String()).Inc()

	err = e.dispatch(msg, pkt.Interface)
	switch {
	case err == nil:
	case errors.Is(err, errOwnMessage):
		telemetry.MessagesDropped.WithLabelValues(telemetry.DropSelf).Inc()
	case errors.Is(err, errNotForUs):
		telemetry.MessagesDropped.WithLabelValues(telemetry.DropNotForUs).Inc()
	case errors.Is(err, ErrUnresolvedAddress):
		telemetry.MessagesDropped.WithLabelValues(telemetry.DropUnresolved).Inc()
		e.log.Debugw("dropping discovery response", "msg", msg, zap.Error(err))
	case errors.Is(err, ErrUnmatchedSequence):
		telemetry.Probes.WithLabelValues(telemetry.ProbeUnmatched).Inc()
		e.log.Infow("received invalid probe response", "seq", msg.Sequence, "from", msg.Originator, "text", msg.Text())
	default:
		e.log.Warnw("failed to handle message", "msg", msg, zap.Error(err))
	}
}

func (e *Engine) dispatch(msg *message.Message, iface netip.Addr) error {
	if e.isLocal(msg.Originator) {
		return errOwnMessage
	}

	switch p := msg.Payload.(type) {
	case *message.DiscoveryRequest:
		return e.handleDiscoveryRequest(msg, iface)
	case *message.DiscoveryResponse:
		return e.handleDiscoveryResponse(msg, p, iface)
	case *message.ProbeRequest:
		return e.handleProbeRequest(msg, p)
	case *message.ProbeResponse:
		return e.handleProbeResponse(msg, p)
	default:
		return fmt.Errorf("%w: %s", message.ErrUnknownType, msg.Type())
	}
}

func (e *Engine) handleDiscoveryRequest(msg *message.Message, iface netip.Addr) error {
	reply := &message.Message{
		Header: message.Header{
			Sequence:   msg.Sequence,
			TTL:        discoveryTTL,
			Originator: e.mainAddr,
		},
		Payload: &message.DiscoveryResponse{
			Source: iface,
			Target: msg.Originator,
			Text:   discoveryReplyText,
		},
	}
	return e.broadcast(reply)
}

func (e *Engine) handleDiscoveryResponse(msg *message.Message, p *message.DiscoveryResponse, iface netip.Addr) error {
	if !e.isLocal(p.Target) {
		return errNotForUs
	}

	node, ok := e.dir.ReverseResolve(msg.Originator)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnresolvedAddress, msg.Originator)
	}

	now := e.clock.Now()
	change, prev := e.neighbors.Record(node, msg.Originator, iface, now)
	current := neighbor.Neighbor{
		Node:  node,
		Entry: neighbor.Entry{Address: msg.Originator, Interface: iface, LastRefreshed: now},
	}

	switch change {
	case neighbor.Added:
		telemetry.NeighborEvents.WithLabelValues(telemetry.NeighborAdded).Inc()
		e.log.Infow("neighbor added", "node", node, "address", msg.Originator, "iface", iface)
		e.routes.NeighborUp(current)
	case neighbor.Moved:
		telemetry.NeighborEvents.WithLabelValues(telemetry.NeighborMoved).Inc()
		e.log.Infow("neighbor moved", "node", node, "address", msg.Originator, "iface", iface,
			"prev_address", prev.Address, "prev_iface", prev.Interface)
		e.routes.NeighborDown(neighbor.Neighbor{Node: node, Entry: prev})
		e.routes.NeighborUp(current)
	case neighbor.Refreshed:
		e.log.Debugw("neighbor refreshed", "node", node, "iface", iface)
	}
	telemetry.Neighbors.Set(float64(e.neighbors.Len()))
	return nil
}

func (e *Engine) handleProbeRequest(msg *message.Message, p *message.ProbeRequest) error {
	if !e.isLocal(p.Target) {
		return errNotForUs
	}

	from, _ := e.dir.ReverseResolve(msg.Originator)
	e.log.Infow("received probe request", "node", from, "address", msg.Originator, "seq", msg.Sequence, "text", p.Text)

	reply := &message.Message{
		Header: message.Header{
			Sequence:   msg.Sequence,
			TTL:        e.cfg.MaxTTL,
			Originator: e.mainAddr,
		},
		Payload: &message.ProbeResponse{
			Target: msg.Originator,
			Text:   p.Text,
		},
	}
	return e.broadcast(reply)
}

func (e *Engine) handleProbeResponse(msg *message.Message, p *message.ProbeResponse) error {
	if !e.isLocal(p.Target) {
		return errNotForUs
	}

	node, known := e.dir.ReverseResolve(msg.Originator)
	entry, ok := e.probes.Resolve(msg.Sequence, msg.Originator)
	if !ok && known {
		entry, ok = e.probes.ResolveNode(msg.Sequence, node)
	}
	if !ok {
		if pending, found := e.probes.Lookup(msg.Sequence); found {
			return fmt.Errorf("%w: seq %d from %s, sent to node %d", ErrUnmatchedSequence, msg.Sequence, msg.Originator, pending.Node)
		}
		return fmt.Errorf("%w: seq %d from %s", ErrUnmatchedSequence, msg.Sequence, msg.Originator)
	}

	rtt := e.clock.Now().Sub(entry.IssuedAt)
	telemetry.Probes.WithLabelValues(telemetry.ProbeSucceeded).Inc()
	telemetry.ProbeRTT.Observe(rtt.Seconds())

	node = entry.Node
	if w, ok := e.waiters[entry.Sequence]; ok {
		delete(e.waiters, entry.Sequence)
		w.ch <- ProbeResult{
			Node:     w.node,
			Sequence: entry.Sequence,
			Address:  entry.Destination,
			Text:     p.Text,
			RTT:      rtt,
		}
	}
	e.log.Infow("received probe response", "node", node, "address", msg.Originator, "seq", entry.Sequence, "rtt", rtt, "text", p.Text)
	return nil
}

// broadcast encodes m and sends it on every interface. Send failures are
// logged; the message is not retried.
func (e *Engine) broadcast(m *message.Message) error {
	b, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	telemetry.MessagesSent.WithLabelValues(m.Type().String()).Inc()
	if err := e.ch.Broadcast(b); err != nil {
		telemetry.SendErrors.Inc()
		e.log.Warnw("broadcast failed", "type", m.Type(), "seq", m.Sequence, zap.Error(err))
	}
	return nil
}

func (e *Engine) sendProbe(node uint32, dst netip.Addr, text string, result chan ProbeResult) uint16 {
	seq, evicted := e.probes.Issue(node, dst, text, e.clock.Now())
	if evicted != nil {
		telemetry.Probes.WithLabelValues(telemetry.ProbeEvicted).Inc()
		e.log.Warnw("sequence number reused before probe expired", "seq", evicted.Sequence, "address", evicted.Destination)
		e.notifyExpired(*evicted)
	}
	if result != nil {
		e.waiters[seq] = waiter{node: node, ch: result}
	}

	telemetry.Probes.WithLabelValues(telemetry.ProbeSent).Inc()
	e.log.Infow("sending probe", "node", node, "address", dst, "seq", seq, "text", text)

	req := &message.Message{
		Header: message.Header{
			Sequence:   seq,
			TTL:        e.cfg.MaxTTL,
			Originator: e.mainAddr,
		},
		Payload: &message.ProbeRequest{
			Target: dst,
			Text:   text,
		},
	}
	if err := e.broadcast(req); err != nil {
		e.log.Errorw("failed to send probe", "seq", seq, zap.Error(err))
	}
	return seq
}
