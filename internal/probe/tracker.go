// Package probe tracks outstanding probe requests until they are answered or
// time out.
package probe

import (
	"cmp"
	"net/netip"
	"slices"
	"time"
)

// Entry is one outstanding probe.
type Entry struct {
	Sequence    uint16
	Node        uint32
	IssuedAt    time.Time
	Destination netip.Addr
	Text        string
}

// Tracker maps sequence numbers to outstanding probes. It is not safe for
// concurrent use; the engine owns it.
type Tracker struct {
	seq     *Sequence
	entries map[uint16]Entry
}

// NewTracker returns a tracker that allocates numbers from seq. A nil seq
// gives the tracker its own counter.
func NewTracker(seq *Sequence) *Tracker {
	if seq == nil {
		seq = &Sequence{}
	}
	return &Tracker{
		seq:     seq,
		entries: make(map[uint16]Entry),
	}
}

// Issue allocates the next sequence number and records a probe to node at
// dst. When the counter has wrapped onto a number that is still outstanding,
// the old entry is overwritten and returned as evicted.
func (t *Tracker) Issue(node uint32, dst netip.Addr, text string, now time.Time) (seq uint16, evicted *Entry) {
	seq = t.seq.Next()
	if old, ok := t.entries[seq]; ok {
		evicted = &old
	}
	t.entries[seq] = Entry{
		Sequence:    seq,
		Node:        node,
		IssuedAt:    now,
		Destination: dst,
		Text:        text,
	}
	return seq, evicted
}

// Resolve removes and returns the probe with the given sequence number if it
// was sent to responder. Unknown numbers and responses from any other address
// leave the tracker untouched.
func (t *Tracker) Resolve(seq uint16, responder netip.Addr) (Entry, bool) {
	e, ok := t.entries[seq]
	if !ok || e.Destination != responder {
		return Entry{}, false
	}
	delete(t.entries, seq)
	return e, true
}

// ResolveNode is Resolve keyed by the node the probe was sent to. A node
// answers from its main address, which need not be the address it was
// probed on.
func (t *Tracker) ResolveNode(seq uint16, node uint32) (Entry, bool) {
	e, ok := t.entries[seq]
	if !ok || e.Node != node {
		return Entry{}, false
	}
	delete(t.entries, seq)
	return e, true
}

// Lookup returns the outstanding probe for seq without removing it.
func (t *Tracker) Lookup(seq uint16) (Entry, bool) {
	e, ok := t.entries[seq]
	return e, ok
}

// Audit drops every probe issued at least timeout ago and returns them
// ordered by issue time.
func (t *Tracker) Audit(now time.Time, timeout time.Duration) []Entry {
	var expired []Entry
	for seq, e := range t.entries {
		if now.Sub(e.IssuedAt) >= timeout {
			expired = append(expired, e)
			delete(t.entries, seq)
		}
	}
	slices.SortFunc(expired, func(a, b Entry) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return expired
}

func (t *Tracker) Len() int {
	return len(t.entries)
}
