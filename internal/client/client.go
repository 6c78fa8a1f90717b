// Package client implements StreamClient, a resilient connection to a PV
// monitor gateway. One client owns one WebSocket at a time, relays
// monitor/clear requests, keeps the connection alive with pings and
// reconnects after the connection drops.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/epics2web/pvstream/internal/config"
	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyOpen is returned by Open when a connection is open or in progress.
	ErrAlreadyOpen = errors.New("connection already connecting or open")
	// ErrAlreadyClosed is returned by Close when there is nothing to close.
	ErrAlreadyClosed = errors.New("connection already closed")
	// ErrNotOpen is returned by Subscribe and Unsubscribe outside StateOpen.
	ErrNotOpen = errors.New("connection not open")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("client shut down")
)

// StreamClient multiplexes PV monitors over one streaming connection.
//
// All state transitions happen under mu. Events produced by a transition are
// queued before mu is released, so listeners observe them in transition order.
type StreamClient struct {
	cfg       config.Client
	dialer    Dialer
	log       zerolog.Logger
	metrics   *Metrics
	listeners []pendingListener

	events *emitter

	mu           sync.Mutex
	state        State
	stateChanged chan struct{}
	gen          uint64 // incremented for every connection attempt
	connID       string
	conn         Conn
	cancelDial   context.CancelFunc
	closeReason  string
	lastActivity time.Time

	liveness    *time.Timer
	livenessSeq uint64

	reconnecting   bool
	reconnectTimer *time.Timer

	subscribed []string
	subIndex   map[string]struct{}

	shutdown   bool
	stopTicker context.CancelFunc
	wg         sync.WaitGroup
}

type pendingListener struct {
	t  EventType
	fn Listener
}

// WithListener registers fn before the client auto-opens, so no early event
// is missed.
func WithListener(t EventType, fn Listener) Option {
	return func(c *StreamClient) {
		c.listeners = append(c.listeners, pendingListener{t: t, fn: fn})
	}
}

// New builds a client from the defaults overridden by opts. With AutoOpen the
// first connection attempt starts immediately; with AutoLivenessCheck the ping
// ticker starts immediately and keeps running across reconnects.
func New(opts ...Option) (*StreamClient, error) {
	c := &StreamClient{
		cfg:          config.DefaultClient(),
		log:          log.Logger.With().Str("component", "pvstream").Logger(),
		state:        StateClosed,
		stateChanged: make(chan struct{}),
		subIndex:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client config")
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer()
	}

	c.events = newEmitter(c.log)
	for _, l := range c.listeners {
		c.events.on(l.t, l.fn)
	}
	c.listeners = nil
	c.metrics.setState(StateClosed)

	if c.cfg.AutoOpen {
		if err := c.Open(); err != nil {
			return nil, err
		}
	}
	if c.cfg.AutoLivenessCheck {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopTicker = cancel
		c.wg.Add(1)
		go c.pingLoop(ctx)
	}
	return c, nil
}

// On registers fn for events of type t and returns a function that removes
// it. Listeners for the same type run in registration order.
func (c *StreamClient) On(t EventType, fn Listener) (remove func()) {
	return c.events.on(t, fn)
}

// Config returns the effective options.
func (c *StreamClient) Config() config.Client {
	return c.cfg
}

func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity is the time the transport last opened or delivered a frame.
func (c *StreamClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Subscribed returns the PVs whose monitor request was written and whose
// clear request was not, in first-subscribed order. PVs in a frame that
// failed to send are not included. The client does not resubscribe them after a
// reconnect; callers that want that do it from an EventOpen listener.
func (c *StreamClient) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.subscribed))
	copy(out, c.subscribed)
	return out
}

// WaitState blocks until the client reaches want or ctx is done.
func (c *StreamClient) WaitState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		if c.state == want {
			c.mu.Unlock()
			return nil
		}
		ch := c.stateChanged
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for state %s", want)
		}
	}
}

// Open starts a connection attempt. It returns ErrAlreadyOpen unless the
// client is closed; the outcome of the attempt is reported by events.
func (c *StreamClient) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *StreamClient) openLocked() error {
	if c.shutdown {
		return ErrShutdown
	}
	if c.state != StateClosed {
		c.log.Debug().Str("state", c.state.String()).Msg("open ignored, already connecting or open")
		return ErrAlreadyOpen
	}

	c.gen++
	c.connID = uuid.NewString()
	c.closeReason = ""
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	c.setStateLocked(StateConnecting)
	c.events.emit(ConnectingEvent{Endpoint: c.cfg.Endpoint})
	c.log.Debug().Str("conn_id", c.connID).Str("endpoint", c.cfg.Endpoint).Msg("connecting")

	c.wg.Add(1)
	go c.run(ctx, c.gen, c.connID)
	return nil
}

// Close requests a graceful close with code (0 means CloseNormalClosure) and
// reason. Completion is signalled by EventClose. With AutoReconnect enabled a
// reconnect is scheduled after the close like after any other.
func (c *StreamClient) Close(code int, reason string) error {
	if code == 0 {
		code = CloseNormalClosure
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrAlreadyClosed
	case StateClosing:
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.closeReason = reason
	c.stopLivenessLocked()
	c.setStateLocked(StateClosing)
	c.events.emit(ClosingEvent{Code: code, Reason: reason})
	if conn == nil && c.cancelDial != nil {
		c.cancelDial()
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(code, reason); err != nil {
			c.log.Debug().Err(err).Msg("graceful close failed, aborting connection")
			_ = conn.Abort()
		}
	}
	return nil
}

// Subscribe asks the gateway to monitor pvs. Requests larger than the chunk
// size are split into several frames in input order.
func (c *StreamClient) Subscribe(pvs []string) error {
	return c.command(protocol.MsgMonitor, pvs)
}

// Unsubscribe asks the gateway to stop monitoring pvs.
func (c *StreamClient) Unsubscribe(pvs []string) error {
	return c.command(protocol.MsgClear, pvs)
}

func (c *StreamClient) command(t protocol.MessageType, pvs []string) error {
	size := int(c.cfg.ChunkSize)
	frames, err := protocol.CommandFrames(t, pvs, size)
	if err != nil {
		return err
	}
	chunks := protocol.Chunk(pvs, size)

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	c.mu.Unlock()

	for i, frame := range frames {
		if err := conn.WriteMessage(frame); err != nil {
			return errors.Wrapf(err, "send %s", t)
		}
		c.metrics.frameSent(t)
		c.recordSent(t, chunks[i])
	}
	return nil
}

// recordSent updates the subscription set for a frame that was written.
func (c *StreamClient) recordSent(t protocol.MessageType, pvs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == protocol.MsgMonitor {
		c.addSubscriptionsLocked(pvs)
	} else {
		c.removeSubscriptionsLocked(pvs)
	}
}

func (c *StreamClient) addSubscriptionsLocked(pvs []string) {
	for _, pv := range pvs {
		if _, ok := c.subIndex[pv]; ok {
			continue
		}
		c.subIndex[pv] = struct{}{}
		c.subscribed = append(c.subscribed, pv)
	}
}

func (c *StreamClient) removeSubscriptionsLocked(pvs []string) {
	removed := false
	for _, pv := range pvs {
		if _, ok := c.subIndex[pv]; ok {
			delete(c.subIndex, pv)
			removed = true
		}
	}
	if !removed {
		return
	}
	kept := c.subscribed[:0]
	for _, pv := range c.subscribed {
		if _, ok := c.subIndex[pv]; ok {
			kept = append(kept, pv)
		}
	}
	c.subscribed = kept
}

// Shutdown closes the connection for good: reconnects and pings stop, the
// current connection is closed with CloseGoingAway, queued events are
// delivered and every goroutine exits. It must not be called from a listener.
func (c *StreamClient) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
		c.reconnecting = false
	}
	c.stopLivenessLocked()
	conn := c.conn
	if c.state == StateConnecting || c.state == StateOpen {
		c.closeReason = "client shutdown"
		c.setStateLocked(StateClosing)
		c.events.emit(ClosingEvent{Code: CloseGoingAway, Reason: c.closeReason})
	}
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.mu.Unlock()

	if c.stopTicker != nil {
		c.stopTicker()
	}
	if conn != nil {
		if err := conn.Close(CloseGoingAway, "client shutdown"); err != nil {
			_ = conn.Abort()
		}
	}
	c.wg.Wait()
	c.events.stop()
}

// run owns one connection attempt: dial, then read until the connection ends.
func (c *StreamClient) run(ctx context.Context, gen uint64, connID string) {
	defer c.wg.Done()
	logger := c.log.With().Str("conn_id", connID).Logger()

	conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		logger.Debug().Err(err).Msg("dial failed")
		c.handleDisconnect(gen, err)
		return
	}
	if !c.handleOpen(gen, conn) {
		_ = conn.Abort()
		c.handleDisconnect(gen, context.Canceled)
		return
	}
	logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("connected")

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Abort()
			logger.Info().Err(err).Msg("disconnected")
			c.handleDisconnect(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *StreamClient) handleOpen(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateConnecting {
		return false
	}
	c.conn = conn
	c.cancelDial = nil
	c.lastActivity = time.Now()
	c.setStateLocked(StateOpen)
	c.events.emit(OpenEvent{Endpoint: c.cfg.Endpoint})
	return true
}

func (c *StreamClient) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	// Any traffic proves the gateway is alive.
	c.stopLivenessLocked()
	now := time.Now()
	c.lastActivity = now

	frame, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Str("conn_id", c.connID).Msg("dropping undecodable frame")
		return
	}
	c.metrics.frameReceived(frame.Type)

	if in, ok := frame.Inbound(now); ok {
		switch v := in.(type) {
		case protocol.Update:
			c.events.emit(UpdateEvent{Update: v})
		case protocol.Info:
			c.events.emit(InfoEvent{Info: v})
		case protocol.Pong:
			c.events.emit(PongEvent{ReceivedAt: now})
		}
	} else {
		c.log.Debug().Str("type", string(frame.Type)).Msg("ignoring frame of unknown type")
	}
	c.events.emit(MessageEvent{Frame: frame, ReceivedAt: now})
}

// handleDisconnect runs the close path for connection gen: the liveness timer
// is cancelled, EventClose fires and at most one reconnect is scheduled.
func (c *StreamClient) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}

	code, reason, clean := closeStatus(cause)
	requested := c.state == StateClosing
	if !clean && !requested {
		c.metrics.transportError()
		c.events.emit(ErrorEvent{Err: cause})
	}
	if requested && reason == "" {
		reason = c.closeReason
	}

	c.stopLivenessLocked()
	c.conn = nil
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.setStateLocked(StateClosed)
	c.events.emit(CloseEvent{Code: code, Reason: reason})

	if c.cfg.AutoReconnect && !c.reconnecting && !c.shutdown {
		c.reconnecting = true
		c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectWait(), c.reconnect)
		c.log.Debug().Dur("wait", c.cfg.ReconnectWait()).Msg("reconnect scheduled")
	}
}

func (c *StreamClient) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconnecting {
		return
	}
	c.metrics.reconnect()
	err := c.openLocked()
	// Cleared only after open ran, so close events racing with this attempt
	// cannot stack a second pending reconnect.
	c.reconnecting = false
	c.reconnectTimer = nil
	if err != nil && !errors.Is(err, ErrShutdown) {
		c.log.Debug().Err(err).Msg("reconnect skipped")
	}
}

func (c *StreamClient) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.keepalive()
		}
	}
}

// keepalive sends a ping and arms the liveness timer. It does nothing unless
// the connection is open and no liveness timer is already armed.
func (c *StreamClient) keepalive() {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil || c.liveness != nil {
		c.mu.Unlock()
		return
	}
	conn, gen := c.conn, c.gen
	c.livenessSeq++
	seq := c.livenessSeq
	c.liveness = time.AfterFunc(c.cfg.LivenessTimeout(), func() {
		c.livenessExpired(gen, seq)
	})
	c.mu.Unlock()

	if err := conn.WriteMessage(protocol.PingFrame()); err != nil {
		c.log.Debug().Err(err).Msg("ping failed")
		c.mu.Lock()
		if gen == c.gen && c.state == StateOpen {
			c.metrics.transportError()
			c.events.emit(ErrorEvent{Err: errors.Wrap(err, "send ping")})
		}
		c.mu.Unlock()
		return
	}
	c.metrics.frameSent(protocol.MsgPing)
}

func (c *StreamClient) livenessExpired(gen, seq uint64) {
	c.mu.Lock()
	if gen != c.gen || seq != c.livenessSeq || c.liveness == nil {
		c.mu.Unlock()
		return
	}
	c.liveness = nil
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.closeReason = "liveness timeout"
	c.setStateLocked(StateClosing)
	c.events.emit(ClosingEvent{Code: CloseAbnormalClosure, Reason: c.closeReason})
	c.metrics.livenessTimeout()
	c.log.Warn().Str("conn_id", c.connID).Dur("timeout", c.cfg.LivenessTimeout()).Msg("no traffic after ping, dropping connection")
	c.mu.Unlock()

	_ = conn.Abort()
}

func (c *StreamClient) stopLivenessLocked() {
	if c.liveness != nil {
		c.liveness.Stop()
		c.liveness = nil
	}
}

func (c *StreamClient) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.metrics.setState(s)
}
