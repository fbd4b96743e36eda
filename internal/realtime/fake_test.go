package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/livethread/internal/bus"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closes   []int
	closeErr error
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// Close is the local side closing; the peer echoes the close code.
func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closes = append(c.closes, code)
	c.mu.Unlock()
	c.end(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

// peerClose simulates a close handshake started by the server.
func (c *fakeConn) peerClose(code int, reason string) { c.end(&CloseError{Code: code, Reason: reason}) }

// drop simulates the line going away without a close handshake.
func (c *fakeConn) drop() { c.end(errors.New("connection reset by peer")) }

func (c *fakeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	c.in <- data
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closes...)
}

func (c *fakeConn) frames() []bus.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Frame
	for _, w := range c.written {
		var f bus.Frame
		if json.Unmarshal(w, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) heartbeats() int {
	n := 0
	for _, f := range c.frames() {
		if f.Type == "heartbeat" {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  bool
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	fail := d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial tcp: connection refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func record(b *bus.Bus, topics ...bus.Topic) *recorder {
	r := &recorder{}
	for _, topic := range topics {
		b.Subscribe(topic, func(e bus.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func eventsOf[T bus.Event](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, e := range r.events {
		if typed, ok := e.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

var allTopics = []bus.Topic{
	bus.TopicStatus, bus.TopicConnecting, bus.TopicOpen, bus.TopicClose,
	bus.TopicReconnecting, bus.TopicError, bus.TopicFrame, bus.TopicServerError, bus.TopicNotice,
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *clock.Mock
	bus    *bus.Bus
	rec    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(zerolog.Nop())
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewMock(),
		bus:    b,
		rec:    record(b, allTopics...),
	}
	h.m = NewManager(DefaultSettings("ws://example.test/ws"), h.dialer, b, WithClock(h.clock))
	t.Cleanup(h.m.Shutdown)
	return h
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func (h *harness) waitStatus(t *testing.T, status string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Status() == status }, waitFor, tick, "status %s, have %s", status, h.m.Status())
}

func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	h.m.Connect()
	h.waitStatus(t, bus.StatusOpen)
	c := h.dialer.last()
	require.NotNil(t, c)
	return c
}
