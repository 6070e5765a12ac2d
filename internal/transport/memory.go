package transport

import (
	"net/netip"
	"sync"
)

const memoryQueueSize = 256

// Hub is an in-process broadcast medium. Interfaces whose prefixes share a
// subnet see each other's broadcasts, including their own.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	filter    func(from, to netip.Addr) bool
}

func NewHub() *Hub {
	return &Hub{}
}

// SetFilter installs a delivery filter; returning false drops the copy sent
// from the interface address from to the interface address to.
func (h *Hub) SetFilter(f func(from, to netip.Addr) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Join attaches a new endpoint with the given interfaces to the hub.
func (h *Hub) Join(ifaces ...netip.Prefix) *Endpoint {
	e := &Endpoint{
		hub:      h,
		ifaces:   ifaces,
		incoming: make(chan Packet, memoryQueueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints = append(h.endpoints, e)
	return e
}

// Endpoint is one node's attachment to a Hub. It implements Channel.
type Endpoint struct {
	hub      *Hub
	ifaces   []netip.Prefix
	incoming chan Packet
	closed   bool
}

func (e *Endpoint) Broadcast(data []byte) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	for _, src := range e.ifaces {
		for _, dst := range h.endpoints {
			if dst.closed {
				continue
			}
			for _, iface := range dst.ifaces {
				if iface.Masked() != src.Masked() {
					continue
				}
				if h.filter != nil && !h.filter(src.Addr(), iface.Addr()) {
					continue
				}
				pkt := Packet{
					Data:      append([]byte(nil), data...),
					Interface: iface.Addr(),
					From:      netip.AddrPortFrom(src.Addr(), 0),
				}
				select {
				case dst.incoming <- pkt:
				default:
				}
			}
		}
	}
	return nil
}

func (e *Endpoint) Incoming() <-chan Packet {
	return e.incoming
}

func (e *Endpoint) LocalAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(e.ifaces))
	for _, p := range e.ifaces {
		out = append(out, p.Addr())
	}
	return out
}

// Close detaches the endpoint and closes its incoming channel.
func (e *Endpoint) Close() error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	close(e.incoming)
	return nil
}
