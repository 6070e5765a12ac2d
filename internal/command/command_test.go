package command

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvil/neighprobe/internal/neighbor"
)

type fakeProber struct {
	pinged    []Command
	neighbors []neighbor.Neighbor
	err       error
}

func (f *fakeProber) Ping(_ context.Context, node uint32, text string) (uint16, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.pinged = append(f.pinged, Command{Kind: Ping, Node: node, Text: text})
	return uint16(len(f.pinged)), nil
}

func (f *fakeProber) Neighbors(context.Context) ([]neighbor.Neighbor, error) {
	return f.neighbors, f.err
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"PING 2 hello", Command{Kind: Ping, Node: 2, Text: "hello"}},
		{"  PING 17   hello   world ", Command{Kind: Ping, Node: 17, Text: "hello   world "}},
		{"PING 2 a  b", Command{Kind: Ping, Node: 2, Text: "a  b"}},
		{"PING 2\ttab\tseparated\n", Command{Kind: Ping, Node: 2, Text: "tab\tseparated"}},
		{"ping 3 x", Command{Kind: Ping, Node: 3, Text: "x"}},
		{"DUMP NEIGHBORS", Command{Kind: DumpNeighbors}},
		{"DUMP neighbors", Command{Kind: DumpNeighbors}},
		{"dump Neighbors", Command{Kind: DumpNeighbors}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"PING", ErrMissingParams},
		{"PING 2", ErrMissingParams},
		{"DUMP", ErrMissingParams},
		{"DUMP ROUTES", ErrUnknownTable},
		{"TRACEROUTE 2", ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Parse(tt.line)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse("PING two hello")
	require.ErrorIs(t, err, ErrInvalidNode)
	_, err = Parse("PING -1 hello")
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestExecutePing(t *testing.T) {
	p := &fakeProber{}
	var out bytes.Buffer

	require.NoError(t, Execute(context.Background(), p, "PING 2 hello", &out))
	assert.Equal(t, []Command{{Kind: Ping, Node: 2, Text: "hello"}}, p.pinged)
	assert.Equal(t, "Sent PING to node 2, sequence 1\n", out.String())
}

func TestExecuteRejectsBeforePinging(t *testing.T) {
	p := &fakeProber{}
	require.Error(t, Execute(context.Background(), p, "PING 2", &bytes.Buffer{}))
	assert.Empty(t, p.pinged)
}

func TestExecuteDump(t *testing.T) {
	p := &fakeProber{neighbors: []neighbor.Neighbor{{
		Node:  2,
		Entry: neighbor.Entry{Address: netip.MustParseAddr("10.0.0.2"), Interface: netip.MustParseAddr("10.0.0.1")},
	}}}
	var out bytes.Buffer

	require.NoError(t, Execute(context.Background(), p, "DUMP NEIGHBORS", &out))
	assert.Contains(t, out.String(), "Neighbors: 1")
	assert.Contains(t, out.String(), "10.0.0.2")
}

func TestExecutePropagatesProberError(t *testing.T) {
	boom := errors.New("boom")
	p := &fakeProber{err: boom}
	require.ErrorIs(t, Execute(context.Background(), p, "PING 2 hello", &bytes.Buffer{}), boom)
	require.ErrorIs(t, Execute(context.Background(), p, "DUMP NEIGHBORS", &bytes.Buffer{}), boom)
}
