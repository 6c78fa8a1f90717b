package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errConnDropped = errors.New("connection reset by peer")

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	inbox  chan []byte
	closed chan struct{}

	mu         sync.Mutex
	sent       [][]byte
	endErr     error
	closeCalls int
	abortCalls int

	// writeErr fails every write once writeBudget successful writes are used.
	writeErr    error
	writeBudget int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	// Frames delivered before the connection ended are still read first.
	select {
	case data := <-c.inbox:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.endErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errConnDropped
	default:
	}
	if c.writeErr != nil {
		if c.writeBudget == 0 {
			return c.writeErr
		}
		c.writeBudget--
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// failWritesAfter lets n more writes through and fails the rest with err.
func (c *fakeConn) failWritesAfter(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
	c.writeBudget = n
}

// Close behaves like a peer that echoes the close frame immediately.
func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.end(&CloseError{Code: code, Reason: reason})
	return nil
}

// Abort only counts calls that actually tore down a live connection; the
// reader releasing an already-ended connection is not counted.
func (c *fakeConn) Abort() error {
	c.mu.Lock()
	select {
	case <-c.closed:
	default:
		c.abortCalls++
	}
	c.mu.Unlock()
	c.end(errors.New("use of closed network connection"))
	return nil
}

func (c *fakeConn) deliver(frame string) {
	c.inbox <- []byte(frame)
}

// drop ends the connection as if the network failed.
func (c *fakeConn) drop() {
	c.end(errConnDropped)
}

// remoteClose ends the connection with a close handshake from the peer.
func (c *fakeConn) remoteClose(code int, reason string) {
	c.end(&CloseError{Code: code, Reason: reason})
}

func (c *fakeConn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.endErr = err
	close(c.closed)
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = string(s)
	}
	return out
}

func (c *fakeConn) aborts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortCalls
}

// fakeDialer hands out fakeConns and records every dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
	block bool

	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		d.record(nil)
		return nil, ctx.Err()
	}
	if fail != nil {
		d.record(nil)
		return nil, fail
	}
	conn := newFakeConn()
	d.record(conn)
	return conn, nil
}

func (d *fakeDialer) record(conn *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// recorder captures events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(c *StreamClient, types ...EventType) {
	for _, t := range types {
		c.On(t, r.record)
	}
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(t EventType) int {
	return len(r.ofType(t))
}

var allEvents = []EventType{
	EventConnecting, EventOpen, EventClosing, EventClose, EventError,
	EventMessage, EventUpdate, EventInfo, EventPong,
}

// newTestClient builds a client on a fake dialer with auto-open and the ping
// ticker disabled, so tests drive every step.
func newTestClient(t *testing.T, opts ...Option) (*StreamClient, *fakeDialer, *recorder) {
	t.Helper()
	dialer := newFakeDialer()
	rec := &recorder{}

	base := []Option{
		WithEndpoint("ws://gateway.test/epics2web/monitor"),
		WithDialer(dialer),
		WithLogger(zerolog.Nop()),
		WithAutoOpen(false),
		WithAutoLivenessCheck(false),
		WithReconnectWait(20 * time.Millisecond),
		WithLivenessTimeout(50 * time.Millisecond),
	}
	for _, et := range allEvents {
		base = append(base, WithListener(et, rec.record))
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, dialer, rec
}

func openTestClient(t *testing.T, opts ...Option) (*StreamClient, *fakeDialer, *recorder, *fakeConn) {
	t.Helper()
	c, dialer, rec := newTestClient(t, opts...)
	require.NoError(t, c.Open())
	conn := dialer.next(t)
	waitState(t, c, StateOpen)
	return c, dialer, rec, conn
}

func waitState(t *testing.T, c *StreamClient, s State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitState(ctx, s))
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
