package sliq

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-sliq/internal/wire"
)

var (
	clientAddr = netip.MustParseAddrPort("192.0.2.1:4000")
	serverAddr = netip.MustParseAddrPort("192.0.2.2:5000")
)

// recordingHandler collects connection events. Its methods never call back
// into the connection, so it works both with running event loops and with
// the simulated link.
type recordingHandler struct {
	mu           sync.Mutex
	results      []error
	newStreams   []StreamID
	readable     map[StreamID]int
	closedStream map[StreamID]error
	closed       []error
	resultCh     chan error
	closedCh     chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		readable:     make(map[StreamID]int),
		closedStream: make(map[StreamID]error),
		resultCh:     make(chan error, 1),
		closedCh:     make(chan error, 1),
	}
}

func (h *recordingHandler) OnConnectionResult(_ *Connection, err error) {
	h.mu.Lock()
	h.results = append(h.results, err)
	h.mu.Unlock()
	select {
	case h.resultCh <- err:
	default:
	}
}

func (h *recordingHandler) OnNewStream(_ *Connection, id StreamID, _ StreamConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.newStreams = append(h.newStreams, id)
}

func (h *recordingHandler) OnRecvData(_ *Connection, id StreamID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readable[id]++
}

func (h *recordingHandler) OnCloseStream(_ *Connection, id StreamID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedStream[id] = err
}

func (h *recordingHandler) OnConnectionClosed(_ *Connection, err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	select {
	case h.closedCh <- err:
	default:
	}
}

func (h *recordingHandler) streamClosed(id StreamID) (error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	err, ok := h.closedStream[id]
	return err, ok
}

type simPacket struct {
	at   time.Time
	to   *Connection
	data []byte
}

// simLink connects a client and a server connection through a lossy link
// with a fixed one way delay. Time only moves when the link advances the
// fake clock to the next datagram arrival or timer, so runs are
// deterministic.
type simLink struct {
	t      *testing.T
	clock  *fakeClock
	delay  time.Duration
	loss   float64
	rng    *rand.Rand
	queue  []simPacket
	sent   map[*Connection][][]byte
	drops  int
	client *Connection
	server *Connection

	// drop, when set, loses the datagrams it reports true for.
	drop func(from *Connection, b []byte) bool
	// writeErr, when set, fails the socket writes it returns an error for.
	writeErr func(from *Connection) error

	clientHandler *recordingHandler
	serverHandler *recordingHandler
}

type simWriter struct {
	link *simLink
	from **Connection
}

func (w simWriter) WriteTo(b []byte, _ netip.AddrPort) (int, error) {
	if w.link.writeErr != nil {
		if err := w.link.writeErr(*w.from); err != nil {
			return 0, err
		}
	}
	w.link.enqueue(*w.from, bytes.Clone(b))
	return len(b), nil
}

func newSimLink(t *testing.T, tweak func(*Config)) *simLink {
	t.Helper()
	cfg := testConfig()
	cfg.HandshakeInterval = 100 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}
	l := &simLink{
		t:             t,
		clock:         newFakeClock(),
		delay:         10 * time.Millisecond,
		rng:           rand.New(rand.NewPCG(1, 2)),
		sent:          make(map[*Connection][][]byte),
		clientHandler: newRecordingHandler(),
		serverHandler: newRecordingHandler(),
	}
	var err error
	l.client, err = newConnection(connParams{
		id:       7,
		cfg:      cfg,
		isClient: true,
		peer:     serverAddr,
		out:      simWriter{link: l, from: &l.client},
		handler:  l.clientHandler,
		clock:    l.clock,
	})
	require.NoError(t, err)
	l.server, err = newConnection(connParams{
		id:      9,
		cfg:     cfg,
		peer:    clientAddr,
		out:     simWriter{link: l, from: &l.server},
		handler: l.serverHandler,
		clock:   l.clock,
	})
	require.NoError(t, err)
	return l
}

func (l *simLink) peerOf(c *Connection) *Connection {
	if c == l.client {
		return l.server
	}
	return l.client
}

func (l *simLink) enqueue(from *Connection, b []byte) {
	l.sent[from] = append(l.sent[from], b)
	if (l.drop != nil && l.drop(from, b)) || (l.loss > 0 && l.rng.Float64() < l.loss) {
		l.drops++
		return
	}
	l.queue = append(l.queue, simPacket{at: l.clock.Now().Add(l.delay), to: l.peerOf(from), data: b})
}

// exec runs fn the way the event loop runs an API call.
func (l *simLink) exec(c *Connection, fn func(now time.Time)) {
	now := l.clock.Now()
	c.now = now
	fn(now)
	c.afterEvent(now)
	l.drainCallbacks()
}

func (l *simLink) drainCallbacks() {
	l.client.callbacks.drain()
	l.server.callbacks.drain()
}

func (l *simLink) nextEvent() time.Time {
	var next time.Time
	consider := func(d time.Time) {
		if !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	if len(l.queue) > 0 {
		consider(l.queue[0].at)
	}
	for _, c := range []*Connection{l.client, l.server} {
		if c.state != StateClosed {
			consider(c.timers.next())
		}
	}
	return next
}

// run advances the simulation until done reports true, failing the test
// when nothing is left to happen or limit of simulated time passes.
func (l *simLink) run(done func() bool, limit time.Duration) {
	l.t.Helper()
	deadline := l.clock.Now().Add(limit)
	for !done() {
		next := l.nextEvent()
		require.False(l.t, next.IsZero(), "simulation stalled")
		require.False(l.t, next.After(deadline), "condition not met within %s of simulated time", limit)
		now := l.clock.Advance(next.Sub(l.clock.Now()))

		for len(l.queue) > 0 && !l.queue[0].at.After(now) {
			p := l.queue[0]
			l.queue = l.queue[1:]
			p.to.handleDatagram(p.data, now)
		}
		for _, c := range []*Connection{l.client, l.server} {
			if c.state == StateClosed {
				continue
			}
			if d := c.timers.next(); !d.IsZero() && !d.After(now) {
				c.onTimers(now)
			}
		}
		l.drainCallbacks()
	}
}

// handshake runs the connection handshake to completion.
func (l *simLink) handshake() {
	l.t.Helper()
	l.exec(l.client, l.client.startHandshake)
	l.run(func() bool {
		return l.client.state == StateEstablished && l.server.state == StateEstablished
	}, time.Minute)
}

// recvAll drains what is readable on a stream.
func recvAll(t *testing.T, c *Connection, id StreamID) []byte {
	t.Helper()
	var out []byte
	for {
		data, err := c.recv(id)
		if err != nil {
			return out
		}
		out = append(out, data...)
	}
}

// parseSent decodes every datagram c wrote.
func (l *simLink) parseSent(c *Connection) [][]wire.Header {
	l.t.Helper()
	var out [][]wire.Header
	for _, b := range l.sent[c] {
		hs, err := wire.ParsePacket(b)
		require.NoError(l.t, err)
		out = append(out, hs)
	}
	return out
}
