// Package message defines the neighprobe wire format.
//
// Every message starts with a fixed 8 byte header:
//
//	type(1) | sequence(2) | ttl(1) | originator IPv4(4)
//
// followed by a payload whose shape depends on the type. Addresses are 4 byte
// IPv4 addresses and text fields carry a 2 byte big-endian length prefix
// followed by the raw bytes. All integers are big-endian.
package message

import (
	"fmt"
	"net/netip"
)

// Type identifies one of the four message variants.
type Type uint8

// Numeric values are part of the wire format.
const (
	TypeProbeRequest Type = iota
	TypeProbeResponse
	TypeDiscoveryRequest
	TypeDiscoveryResponse
)

const (
	// HeaderSize is the size of the fixed header in bytes.
	HeaderSize = 1 + 2 + 1 + AddrSize
	// AddrSize is the encoded size of an address field.
	AddrSize = 4
	// TextLenSize is the size of the length prefix of a text field.
	TextLenSize = 2
	// MaxTextLen is the longest text a single field can carry.
	MaxTextLen = 1<<16 - 1
)

func (t Type) String() string {
	switch t {
	case TypeProbeRequest:
		return "PING_REQ"
	case TypeProbeResponse:
		return "PING_RSP"
	case TypeDiscoveryRequest:
		return "HELLO_REQ"
	case TypeDiscoveryResponse:
		return "HELLO_RSP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known variants.
func (t Type) Valid() bool {
	return t <= TypeDiscoveryResponse
}

// Header is the part shared by all message variants. The type is carried by
// the payload.
type Header struct {
	Sequence   uint16
	TTL        uint8
	Originator netip.Addr
}

// Payload is implemented by the four variant payloads only.
type Payload interface {
	Type() Type

	size() int
	validate() error
	appendTo(b []byte) []byte
}

// Message is a header plus exactly one variant payload.
type Message struct {
	Header
	Payload Payload
}

// Type returns the variant of m, derived from its payload.
func (m *Message) Type() Type {
	return m.Payload.Type()
}

// Target returns the address a message is aimed at.
func (m *Message) Target() netip.Addr {
	switch p := m.Payload.(type) {
	case *DiscoveryRequest:
		return p.Target
	case *DiscoveryResponse:
		return p.Target
	case *ProbeRequest:
		return p.Target
	case *ProbeResponse:
		return p.Target
	default:
		return netip.Addr{}
	}
}

// Text returns the text field of the payload.
func (m *Message) Text() string {
	switch p := m.Payload.(type) {
	case *DiscoveryRequest:
		return p.Text
	case *DiscoveryResponse:
		return p.Text
	case *ProbeRequest:
		return p.Text
	case *ProbeResponse:
		return p.Text
	default:
		return ""
	}
}

func (m *Message) String() string {
	if m.Payload == nil {
		return fmt.Sprintf("<nil payload> seq=%d ttl=%d from=%s", m.Sequence, m.TTL, m.Originator)
	}
	return fmt.Sprintf("%s seq=%d ttl=%d from=%s to=%s text=%q",
		m.Type(), m.Sequence, m.TTL, m.Originator, m.Target(), m.Text())
}

// DiscoveryRequest is the HELLO announcement. Target is normally the
// unspecified address.
type DiscoveryRequest struct {
	Target netip.Addr
	Text   string
}

// DiscoveryResponse answers a DiscoveryRequest. Source is the interface the
// request was heard on.
type DiscoveryResponse struct {
	Source netip.Addr
	Target netip.Addr
	Text   string
}

// ProbeRequest asks Target to echo Text back.
type ProbeRequest struct {
	Target netip.Addr
	Text   string
}

// ProbeResponse carries the echoed text back to the probe originator.
type ProbeResponse struct {
	Target netip.Addr
	Text   string
}

func (*DiscoveryRequest) Type() Type  { return TypeDiscoveryRequest }
func (*DiscoveryResponse) Type() Type { return TypeDiscoveryResponse }
func (*ProbeRequest) Type() Type      { return TypeProbeRequest }
func (*ProbeResponse) Type() Type     { return TypeProbeResponse }

func (p *DiscoveryRequest) size() int  { return AddrSize + TextLenSize + len(p.Text) }
func (p *DiscoveryResponse) size() int { return 2*AddrSize + TextLenSize + len(p.Text) }
func (p *ProbeRequest) size() int      { return AddrSize + TextLenSize + len(p.Text) }
func (p *ProbeResponse) size() int     { return AddrSize + TextLenSize + len(p.Text) }

func (p *DiscoveryRequest) validate() error {
	return validate(p.Text, p.Target)
}

func (p *DiscoveryResponse) validate() error {
	return validate(p.Text, p.Source, p.Target)
}

func (p *ProbeRequest) validate() error {
	return validate(p.Text, p.Target)
}

func (p *ProbeResponse) validate() error {
	return validate(p.Text, p.Target)
}

func (p *DiscoveryRequest) appendTo(b []byte) []byte {
	b = appendAddr(b, p.Target)
	return appendText(b, p.Text)
}

func (p *DiscoveryResponse) appendTo(b []byte) []byte {
	b = appendAddr(b, p.Source)
	b = appendAddr(b, p.Target)
	return appendText(b, p.Text)
}

func (p *ProbeRequest) appendTo(b []byte) []byte {
	b = appendAddr(b, p.Target)
	return appendText(b, p.Text)
}

func (p *ProbeResponse) appendTo(b []byte) []byte {
	b = appendAddr(b, p.Target)
	return appendText(b, p.Text)
}
