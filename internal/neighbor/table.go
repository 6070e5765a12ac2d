package neighbor

import (
	"cmp"
	"net/netip"
	"slices"
	"time"
)

func NewTable() *Table {
	return &Table{entries: make(map[uint32]Entry)}
}

// Record inserts or replaces the entry for node. The previous entry is
// returned when one existed.
func (t *Table) Record(node uint32, address, iface netip.Addr, now time.Time) (Change, Entry) {
	entry := Entry{
		Address:       address,
		Interface:     iface,
		LastRefreshed: now,
	}

	prev, ok := t.entries[node]
	if !ok {
		t.entries[node] = entry
		return Added, Entry{}
	}
	if prev.LastRefreshed.After(now) {
		return Ignored, prev
	}

	t.entries[node] = entry
	if prev.Address != address || prev.Interface != iface {
		return Moved, prev
	}
	return Refreshed, prev
}

// Get returns the entry for node.
func (t *Table) Get(node uint32) (Entry, bool) {
	e, ok := t.entries[node]
	return e, ok
}

// Audit removes every entry refreshed at least timeout ago and returns them
// ordered by node number.
func (t *Table) Audit(now time.Time, timeout time.Duration) []Neighbor {
	var removed []Neighbor
	for node, e := range t.entries {
		if now.Sub(e.LastRefreshed) >= timeout {
			removed = append(removed, Neighbor{Node: node, Entry: e})
			delete(t.entries, node)
		}
	}
	sortByNode(removed)
	return removed
}

// List returns a snapshot of the table ordered by node number.
func (t *Table) List() []Neighbor {
	out := make([]Neighbor, 0, len(t.entries))
	for node, e := range t.entries {
		out = append(out, Neighbor{Node: node, Entry: e})
	}
	sortByNode(out)
	return out
}

func (t *Table) Len() int {
	return len(t.entries)
}

func sortByNode(n []Neighbor) {
	slices.SortFunc(n, func(a, b Neighbor) int {
		return cmp.Compare(a.Node, b.Node)
	})
}
