// Package transport carries encoded protocol messages between nodes.
//
// A Channel broadcasts one copy of a message on every local interface's
// subnet and delivers whatever arrives together with the interface it arrived
// on. Delivery is best effort: messages may be lost, duplicated or reordered.
package transport

import (
	"errors"
	"net/netip"
)

var ErrClosed = errors.New("transport: closed")

// Packet is one received datagram.
type Packet struct {
	Data []byte
	// Interface is the address of the local interface the packet arrived on.
	Interface netip.Addr
	// From is the sender's transport address, when known.
	From netip.AddrPort
}

// Channel is the dissemination contract the engine runs on.
type Channel interface {
	// Broadcast sends data once to the broadcast address of every local
	// interface's subnet.
	Broadcast(data []byte) error
	// Incoming delivers received packets. It is closed when the channel is.
	Incoming() <-chan Packet
	// LocalAddrs returns the addresses of all bound interfaces.
	LocalAddrs() []netip.Addr
}
