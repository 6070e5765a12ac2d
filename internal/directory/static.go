// Package directory maps logical node numbers to IPv4 addresses.
package directory

import (
	"net/netip"
	"slices"
	"sync"
)

// Static is an in-memory directory. A node may own several addresses; the
// first one is its primary address, returned by Resolve. Every address
// reverse-resolves to its node.
type Static struct {
	mu    sync.RWMutex
	nodes map[uint32][]netip.Addr
	addrs map[netip.Addr]uint32
}

func NewStatic(nodes map[uint32][]netip.Addr) *Static {
	s := &Static{
		nodes: make(map[uint32][]netip.Addr),
		addrs: make(map[netip.Addr]uint32),
	}
	for node, addrs := range nodes {
		s.set(node, addrs)
	}
	return s
}

// Set replaces the addresses of node. An empty list removes it.
func (s *Static) Set(node uint32, addrs ...netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(node, addrs)
}

func (s *Static) set(node uint32, addrs []netip.Addr) {
	s.delete(node)
	if len(addrs) == 0 {
		return
	}
	s.nodes[node] = slices.Clone(addrs)
	for _, a := range addrs {
		s.addrs[a] = node
	}
}

func (s *Static) Delete(node uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delete(node)
}

func (s *Static) delete(node uint32) {
	for _, a := range s.nodes[node] {
		if s.addrs[a] == node {
			delete(s.addrs, a)
		}
	}
	delete(s.nodes, node)
}

func (s *Static) Resolve(node uint32) (netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs, ok := s.nodes[node]
	if !ok {
		return netip.Addr{}, false
	}
	return addrs[0], true
}

func (s *Static) ReverseResolve(addr netip.Addr) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.addrs[addr]
	return node, ok
}

// Nodes returns the known node numbers in ascending order.
func (s *Static) Nodes() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
