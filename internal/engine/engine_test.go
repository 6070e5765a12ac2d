package engine

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tomvil/neighprobe/internal/directory"
	"github.com/tomvil/neighprobe/internal/neighbor"
	"github.com/tomvil/neighprobe/internal/transport"
	"github.com/tomvil/neighprobe/pkg/message"
)

var (
	addr1 = netip.MustParseAddr("10.0.0.1")
	addr2 = netip.MustParseAddr("10.0.0.2")
	addr3 = netip.MustParseAddr("10.0.0.3")
)

type routeEvent struct {
	up   bool
	node uint32
}

type recordingRoutes struct {
	events []routeEvent
}

func (r *recordingRoutes) NeighborUp(n neighbor.Neighbor) {
	r.events = append(r.events, routeEvent{up: true, node: n.Node})
}

func (r *recordingRoutes) NeighborDown(n neighbor.Neighbor) {
	r.events = append(r.events, routeEvent{up: false, node: n.Node})
}

type testNode struct {
	e      *Engine
	ep     *transport.Endpoint
	logs   *observer.ObservedLogs
	routes *recordingRoutes
}

func testDirectory() *directory.Static {
	return directory.NewStatic(map[uint32][]netip.Addr{
		1: {addr1},
		2: {addr2},
		3: {addr3},
	})
}

func newTestNode(t *testing.T, hub *transport.Hub, dir Directory, mock *clock.Mock, prefixes ...string) *testNode {
	t.Helper()

	var ps []netip.Prefix
	for _, p := range prefixes {
		ps = append(ps, netip.MustParsePrefix(p))
	}
	ep := hub.Join(ps...)
	t.Cleanup(func() { ep.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	routes := &recordingRoutes{}
	e, err := New(ep, dir, DefaultConfig(),
		WithLog(zap.New(core).Sugar()),
		WithClock(mock),
		WithRouteStrategy(routes),
	)
	require.NoError(t, err)

	return &testNode{e: e, ep: ep, logs: logs, routes: routes}
}

// pump handles every packet already queued for n.
func (n *testNode) pump() int {
	handled := 0
	for {
		select {
		case pkt := <-n.ep.Incoming():
			n.e.handle(pkt)
			handled++
		default:
			return handled
		}
	}
}

// settle pumps all nodes until no packets remain in flight.
func settle(nodes ...*testNode) {
	for {
		handled := 0
		for _, n := range nodes {
			handled += n.pump()
		}
		if handled == 0 {
			return
		}
	}
}

func drain(ep *transport.Endpoint) []transport.Packet {
	var out []transport.Packet
	for {
		select {
		case p := <-ep.Incoming():
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestNewRequiresLocalAddress(t *testing.T) {
	hub := transport.NewHub()
	_, err := New(hub.Join(), testDirectory(), DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.ProbeTimeout = 0
	_, err = New(hub.Join(netip.MustParsePrefix("10.0.0.1/24")), testDirectory(), cfg)
	require.Error(t, err)
}

func TestMainAddressDefaultsToFirstInterface(t *testing.T) {
	hub := transport.NewHub()
	ep := hub.Join(netip.MustParsePrefix("10.0.1.1/24"), netip.MustParsePrefix("10.0.0.1/24"))

	e, err := New(ep, testDirectory(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), e.MainAddress())

	e, err = New(ep, testDirectory(), DefaultConfig(), WithMainAddress(addr1))
	require.NoError(t, err)
	assert.Equal(t, addr1, e.MainAddress())
}

func TestDiscoveryRecordsNeighbor(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	dir := testDirectory()
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24")

	n1.e.auditNeighbors()
	settle(n1, n2)

	want := []neighbor.Neighbor{{
		Node:  2,
		Entry: neighbor.Entry{Address: addr2, Interface: addr1, LastRefreshed: mock.Now()},
	}}
	assert.Equal(t, want, n1.e.neighbors.List())
	assert.Zero(t, n2.e.neighbors.Len(), "answering a discovery request must not mutate the table")
	assert.Equal(t, []routeEvent{{up: true, node: 2}}, n1.routes.events)
}

func TestDiscoveryResponseIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	dir := testDirectory()
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24")

	n1.e.auditNeighbors()
	settle(n1, n2)
	mock.Add(time.Second)
	n1.e.auditNeighbors()
	settle(n1, n2)

	require.Equal(t, 1, n1.e.neighbors.Len())
	e, _ := n1.e.neighbors.Get(2)
	assert.Equal(t, mock.Now(), e.LastRefreshed)
	assert.Len(t, n1.routes.events, 1, "refresh must not re-announce the neighbor")
}

func TestDiscoveryReplyLayout(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n2 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.2/24")
	spy := hub.Join(netip.MustParsePrefix("10.0.0.9/24"))

	n2.e.handle(transport.Packet{
		Data: mustEncode(t, &message.Message{
			Header:  message.Header{Sequence: 41, TTL: 1, Originator: addr1},
			Payload: &message.DiscoveryRequest{Target: netip.IPv4Unspecified(), Text: discoveryText},
		}),
		Interface: addr2,
	})

	pkts := drain(spy)
	require.Len(t, pkts, 1)
	got, err := message.Decode(pkts[0].Data)
	require.NoError(t, err)
	assert.Equal(t, message.Header{Sequence: 41, TTL: 1, Originator: addr2}, got.Header)
	assert.Equal(t, &message.DiscoveryResponse{Source: addr2, Target: addr1, Text: discoveryReplyText}, got.Payload)
}

func mustEncode(t *testing.T, m *message.Message) []byte {
	t.Helper()
	b, err := message.Encode(m)
	require.NoError(t, err)
	return b
}

func TestSelfOriginatedMessagesAreDropped(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24", "10.0.1.1/24")
	spy := hub.Join(netip.MustParsePrefix("10.0.0.9/24"), netip.MustParsePrefix("10.0.1.9/24"))

	seq := n1.e.sendProbe(2, addr2, "outstanding", nil)
	drain(spy)

	other := netip.MustParseAddr("10.0.1.1")
	payloads := []message.Payload{
		&message.DiscoveryRequest{Target: netip.IPv4Unspecified(), Text: discoveryText},
		&message.DiscoveryResponse{Source: other, Target: addr1, Text: discoveryReplyText},
		&message.ProbeRequest{Target: addr1, Text: "x"},
		&message.ProbeResponse{Target: addr1, Text: "outstanding"},
	}

	for _, origin := range []netip.Addr{addr1, other} {
		for _, p := range payloads {
			err := n1.e.dispatch(&message.Message{
				Header:  message.Header{Sequence: seq, TTL: 1, Originator: origin},
				Payload: p,
			}, addr1)
			assert.ErrorIs(t, err, errOwnMessage, "%s from %s", p.Type(), origin)
		}
	}

	assert.Empty(t, drain(spy), "self-originated messages must not be answered")
	assert.Zero(t, n1.e.neighbors.Len())
	assert.Equal(t, 1, n1.e.probes.Len())
}

func TestProbeRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	dir := testDirectory()
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24")

	result := make(chan ProbeResult, 1)
	seq := n1.e.sendProbe(2, addr2, "hello", result)
	mock.Add(5 * time.Millisecond)
	settle(n1, n2)

	assert.Zero(t, n1.e.probes.Len())
	assert.Zero(t, n2.e.probes.Len())

	select {
	case r := <-result:
		assert.Equal(t, ProbeResult{Node: 2, Sequence: seq, Address: addr2, Text: "hello", RTT: 5 * time.Millisecond}, r)
	default:
		t.Fatal("waiter was not notified")
	}

	assert.Equal(t, 1, n2.logs.FilterMessage("received probe request").Len())
	responses := n1.logs.FilterMessage("received probe response").All()
	require.Len(t, responses, 1)
	assert.Equal(t, "hello", responses[0].ContextMap()["text"])
}

func TestProbeToSecondaryAddressOfMultihomedNode(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	secondary := netip.MustParseAddr("10.0.1.2")
	dir := directory.NewStatic(map[uint32][]netip.Addr{
		1: {addr1},
		2: {secondary, addr2},
	})
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24", "10.0.1.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24", "10.0.1.2/24")
	require.Equal(t, addr2, n2.e.MainAddress())

	result := make(chan ProbeResult, 1)
	seq := n1.e.sendProbe(2, secondary, "hello", result)
	settle(n1, n2)

	assert.Zero(t, n1.e.probes.Len(), "reply from the main address must match")
	select {
	case r := <-result:
		assert.False(t, r.Expired)
		assert.Equal(t, uint32(2), r.Node)
		assert.Equal(t, seq, r.Sequence)
		assert.Equal(t, secondary, r.Address)
	default:
		t.Fatal("waiter was not notified")
	}
	assert.Equal(t, 1, n1.logs.FilterMessage("received probe response").Len())
}

func TestProbeRequestForOtherNodeIsIgnored(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n2 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.2/24")
	spy := hub.Join(netip.MustParsePrefix("10.0.0.9/24"))

	err := n2.e.dispatch(&message.Message{
		Header:  message.Header{Sequence: 1, TTL: 16, Originator: addr1},
		Payload: &message.ProbeRequest{Target: addr3, Text: "x"},
	}, addr2)
	assert.ErrorIs(t, err, errNotForUs)
	assert.Empty(t, drain(spy))
}

func TestProbeResponseEchoesSequenceAndText(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n2 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.2/24")
	spy := hub.Join(netip.MustParsePrefix("10.0.0.9/24"))

	require.NoError(t, n2.e.dispatch(&message.Message{
		Header:  message.Header{Sequence: 300, TTL: 16, Originator: addr1},
		Payload: &message.ProbeRequest{Target: addr2, Text: "echo me"},
	}, addr2))

	pkts := drain(spy)
	require.Len(t, pkts, 1)
	got, err := message.Decode(pkts[0].Data)
	require.NoError(t, err)
	assert.Equal(t, message.Header{Sequence: 300, TTL: DefaultMaxTTL, Originator: addr2}, got.Header)
	assert.Equal(t, &message.ProbeResponse{Target: addr1, Text: "echo me"}, got.Payload)
	assert.Zero(t, n2.e.probes.Len())
}

func TestUnresolvedDiscoveryResponse(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, directory.NewStatic(nil), mock, "10.0.0.1/24")

	err := n1.e.dispatch(&message.Message{
		Header:  message.Header{Sequence: 1, TTL: 1, Originator: addr2},
		Payload: &message.DiscoveryResponse{Source: addr2, Target: addr1, Text: discoveryReplyText},
	}, addr1)
	assert.ErrorIs(t, err, ErrUnresolvedAddress)
	assert.Zero(t, n1.e.neighbors.Len())
}

func TestUnmatchedProbeResponse(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24")

	seq := n1.e.sendProbe(2, addr2, "hello", nil)

	respond := func(seq uint16, from netip.Addr) error {
		return n1.e.dispatch(&message.Message{
			Header:  message.Header{Sequence: seq, TTL: 16, Originator: from},
			Payload: &message.ProbeResponse{Target: addr1, Text: "hello"},
		}, addr1)
	}

	assert.ErrorIs(t, respond(seq+1, addr2), ErrUnmatchedSequence)
	assert.ErrorIs(t, respond(seq, addr3), ErrUnmatchedSequence, "response from the wrong node")
	assert.Equal(t, 1, n1.e.probes.Len())

	require.NoError(t, respond(seq, addr2))
	assert.ErrorIs(t, respond(seq, addr2), ErrUnmatchedSequence, "duplicate response")
	assert.Zero(t, n1.e.probes.Len())
}

func TestMalformedPacketIsDropped(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24")

	n1.e.handle(transport.Packet{Data: []byte{9, 0, 1}, Interface: addr1})
	assert.Equal(t, 1, n1.logs.FilterMessage("dropping malformed packet").Len())
}

func TestNeighborExpiry(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	dir := testDirectory()
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24")

	n1.e.auditNeighbors()
	settle(n1, n2)
	require.Equal(t, 1, n1.e.neighbors.Len())

	n2.ep.Close()

	mock.Add(DefaultNeighborTimeout - time.Millisecond)
	n1.e.auditNeighbors()
	settle(n1)
	assert.Equal(t, 1, n1.e.neighbors.Len())

	mock.Add(time.Millisecond)
	n1.e.auditNeighbors()
	settle(n1)
	assert.Zero(t, n1.e.neighbors.Len())
	assert.Equal(t, []routeEvent{{up: true, node: 2}, {up: false, node: 2}}, n1.routes.events)
	expired := n1.logs.FilterMessage("neighbor expired").All()
	require.Len(t, expired, 1)
	assert.Equal(t, DefaultNeighborTimeout, expired[0].ContextMap()["age"])
}

func TestNeighborMovedBetweenInterfaces(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24", "10.0.1.1/24")

	other := netip.MustParseAddr("10.0.1.1")
	reply := func(iface netip.Addr) {
		require.NoError(t, n1.e.dispatch(&message.Message{
			Header:  message.Header{Sequence: 1, TTL: 1, Originator: addr2},
			Payload: &message.DiscoveryResponse{Source: addr2, Target: addr1, Text: discoveryReplyText},
		}, iface))
	}

	reply(addr1)
	mock.Add(time.Second)
	reply(other)

	e, ok := n1.e.neighbors.Get(2)
	require.True(t, ok)
	assert.Equal(t, other, e.Interface)
	assert.Equal(t, []routeEvent{{true, 2}, {false, 2}, {true, 2}}, n1.routes.events)
}

func TestProbeTimeout(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24")

	result := make(chan ProbeResult, 1)
	seq := n1.e.sendProbe(2, addr2, "lost", result)

	mock.Add(DefaultProbeTimeout - time.Millisecond)
	n1.e.auditProbes()
	assert.Equal(t, 1, n1.e.probes.Len())

	mock.Add(time.Millisecond)
	n1.e.auditProbes()
	assert.Zero(t, n1.e.probes.Len())

	r := <-result
	assert.True(t, r.Expired)
	assert.Equal(t, seq, r.Sequence)

	err := n1.e.dispatch(&message.Message{
		Header:  message.Header{Sequence: seq, TTL: 16, Originator: addr2},
		Payload: &message.ProbeResponse{Target: addr1, Text: "lost"},
	}, addr1)
	assert.ErrorIs(t, err, ErrUnmatchedSequence, "late response must not match")
}

func TestDiscoveryAndProbesShareSequence(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	n1 := newTestNode(t, hub, testDirectory(), mock, "10.0.0.1/24")
	spy := hub.Join(netip.MustParsePrefix("10.0.0.9/24"))

	n1.e.auditNeighbors()
	seq := n1.e.sendProbe(2, addr2, "p", nil)
	assert.Equal(t, uint16(2), seq)

	pkts := drain(spy)
	require.Len(t, pkts, 2)
	hello, err := message.Decode(pkts[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), hello.Sequence)
	assert.Equal(t, &message.DiscoveryRequest{Target: netip.IPv4Unspecified(), Text: discoveryText}, hello.Payload)
}

func TestRunEndToEnd(t *testing.T) {
	mock := clock.NewMock()
	hub := transport.NewHub()
	dir := testDirectory()
	n1 := newTestNode(t, hub, dir, mock, "10.0.0.1/24")
	n2 := newTestNode(t, hub, dir, mock, "10.0.0.2/24")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- n1.e.Run(ctx) }()
	go func() { errs <- n2.e.Run(ctx) }()

	require.Eventually(t, func() bool {
		list, err := n1.e.Neighbors(ctx)
		return err == nil && len(list) == 1 && list[0].Node == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		list, err := n2.e.Neighbors(ctx)
		return err == nil && len(list) == 1 && list[0].Node == 1 &&
			list[0].Address == addr1 && list[0].Interface == addr2
	}, 5*time.Second, 10*time.Millisecond)

	r, err := n1.e.PingWait(ctx, 2, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Text)
	assert.Equal(t, uint32(2), r.Node)

	n, err := n1.e.Outstanding(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var before, after uint16
	require.NoError(t, n1.e.do(ctx, func() { before = n1.e.seq.Current() }))
	_, err = n1.e.Ping(ctx, 9, "nobody")
	require.ErrorIs(t, err, ErrUnknownNode)
	require.NoError(t, n1.e.do(ctx, func() { after = n1.e.seq.Current() }))
	assert.Equal(t, before, after, "unknown node must not consume a sequence number")

	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	_, err = n1.e.Neighbors(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}
