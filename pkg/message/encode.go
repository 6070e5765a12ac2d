package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Encode returns the wire representation of m.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Payload == nil {
		return nil, ErrNilPayload
	}
	if !m.Originator.Is4() {
		return nil, fmt.Errorf("originator %v: %w", m.Originator, ErrInvalidAddress)
	}
	if err := m.Payload.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, HeaderSize+m.Payload.size())
	buf = append(buf, byte(m.Payload.Type()))
	buf = binary.BigEndian.AppendUint16(buf, m.Sequence)
	buf = append(buf, m.TTL)
	buf = appendAddr(buf, m.Originator)
	return m.Payload.appendTo(buf), nil
}

func validate(text string, addrs ...netip.Addr) error {
	for _, addr := range addrs {
		if !addr.Is4() {
			return fmt.Errorf("payload address %v: %w", addr, ErrInvalidAddress)
		}
	}
	if len(text) > MaxTextLen {
		return fmt.Errorf("%d bytes: %w", len(text), ErrTextTooLong)
	}
	return nil
}

func appendAddr(b []byte, addr netip.Addr) []byte {
	a4 := addr.As4()
	return append(b, a4[:]...)
}

func appendText(b []byte, text string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(text)))
	return append(b, text...)
}
