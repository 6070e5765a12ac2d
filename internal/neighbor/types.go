package neighbor

import (
	"net/netip"
	"time"
)

// Table maps node numbers to the most recent sighting of that node. It is
// not safe for concurrent use; the engine owns it.
type Table struct {
	entries map[uint32]Entry
}

// Entry is one adjacency: the neighbor's address, the local interface it was
// heard on, and when it was last refreshed.
type Entry struct {
	Address       netip.Addr
	Interface     netip.Addr
	LastRefreshed time.Time
}

// Neighbor is an Entry together with its node number.
type Neighbor struct {
	Node uint32
	Entry
}

// Change describes what Record did to the table.
type Change int

const (
	// Ignored means the update was older than the stored entry.
	Ignored Change = iota
	Added
	// Moved means the node was known but its address or interface changed.
	Moved
	Refreshed
)

func (c Change) String() string {
	switch c {
	case Ignored:
		return "ignored"
	case Added:
		return "added"
	case Moved:
		return "moved"
	case Refreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}
