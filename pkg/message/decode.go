package message

import (
	"encoding/binary"
	"net/netip"
)

// Decode parses a single message from b. Every failure matches ErrMalformed.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}

	t := Type(b[0])
	if !t.Valid() {
		return nil, ErrUnknownType
	}
	msg := &Message{
		Header: Header{
			Sequence:   binary.BigEndian.Uint16(b[1:3]),
			TTL:        b[3],
			Originator: netip.AddrFrom4([4]byte(b[4:8])),
		},
	}

	r := reader{buf: b[HeaderSize:]}
	switch t {
	case TypeDiscoveryRequest:
		p := &DiscoveryRequest{}
		p.Target = r.addr()
		p.Text = r.text()
		msg.Payload = p
	case TypeDiscoveryResponse:
		p := &DiscoveryResponse{}
		p.Source = r.addr()
		p.Target = r.addr()
		p.Text = r.text()
		msg.Payload = p
	case TypeProbeRequest:
		p := &ProbeRequest{}
		p.Target = r.addr()
		p.Text = r.text()
		msg.Payload = p
	case TypeProbeResponse:
		p := &ProbeResponse{}
		p.Target = r.addr()
		p.Text = r.text()
		msg.Payload = p
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, ErrTrailingData
	}
	return msg, nil
}

// reader consumes payload fields and remembers the first failure.
type reader struct {
	buf []byte
	err error
}

func (r *reader) addr() netip.Addr {
	if r.err != nil {
		return netip.Addr{}
	}
	if len(r.buf) < AddrSize {
		r.err = ErrTruncated
		return netip.Addr{}
	}
	addr := netip.AddrFrom4([4]byte(r.buf[:AddrSize]))
	r.buf = r.buf[AddrSize:]
	return addr
}

func (r *reader) text() string {
	if r.err != nil {
		return ""
	}
	if len(r.buf) < TextLenSize {
		r.err = ErrTruncated
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.buf[:TextLenSize]))
	r.buf = r.buf[TextLenSize:]
	if n > len(r.buf) {
		r.err = ErrTextLength
		return ""
	}
	text := string(r.buf[:n])
	r.buf = r.buf[n:]
	return text
}
