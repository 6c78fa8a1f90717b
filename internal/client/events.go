package client

import (
	"sync"
	"time"

	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/rs/zerolog"
)

// EventType names an event stream listeners can register for.
type EventType string

const (
	EventConnecting EventType = "connecting"
	EventOpen       EventType = "open"
	EventClosing    EventType = "closing"
	EventClose      EventType = "close"
	EventError      EventType = "error"
	EventMessage    EventType = "message"
	EventUpdate     EventType = "update"
	EventInfo       EventType = "info"
	EventPong       EventType = "pong"
)

// Event is implemented by every payload delivered to listeners.
type Event interface {
	Type() EventType
}

// ConnectingEvent fires when a connection attempt starts.
type ConnectingEvent struct {
	Endpoint string
}

// OpenEvent fires once the transport is open.
type OpenEvent struct {
	Endpoint string
}

// ClosingEvent fires when the client starts tearing a connection down, either
// on request or because the liveness timer expired.
type ClosingEvent struct {
	Code   int
	Reason string
}

// CloseEvent fires when the transport is closed. Code is the close status
// reported by the peer, or CloseAbnormalClosure when the connection dropped.
type CloseEvent struct {
	Code   int
	Reason string
}

// ErrorEvent carries a transport error. It is informational; a CloseEvent
// follows if the connection is lost.
type ErrorEvent struct {
	Err error
}

// MessageEvent carries every decoded inbound frame, including types the
// client does not interpret.
type MessageEvent struct {
	Frame      protocol.Frame
	ReceivedAt time.Time
}

// UpdateEvent carries a new value for a monitored PV.
type UpdateEvent struct {
	protocol.Update
}

// InfoEvent carries a PV's connection state and metadata.
type InfoEvent struct {
	protocol.Info
}

// PongEvent reports a pong from the gateway.
type PongEvent struct {
	ReceivedAt time.Time
}

func (ConnectingEvent) Type() EventType { return EventConnecting }
func (OpenEvent) Type() EventType       { return EventOpen }
func (ClosingEvent) Type() EventType    { return EventClosing }
func (CloseEvent) Type() EventType      { return EventClose }
func (ErrorEvent) Type() EventType      { return EventError }
func (MessageEvent) Type() EventType    { return EventMessage }
func (UpdateEvent) Type() EventType     { return EventUpdate }
func (InfoEvent) Type() EventType       { return EventInfo }
func (PongEvent) Type() EventType       { return EventPong }

// Listener receives events. Listeners run one at a time on the client's
// dispatch goroutine and may call back into the client, except Shutdown.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// emitter queues events and delivers them in order on a single goroutine.
// The queue is unbounded so producers never block and nothing is dropped.
type emitter struct {
	log zerolog.Logger

	mu        sync.Mutex
	listeners map[EventType][]listenerEntry
	nextID    uint64
	queue     []Event
	stopped   bool

	wake chan struct{}
	done chan struct{}
}

func newEmitter(log zerolog.Logger) *emitter {
	e := &emitter{
		log:       log,
		listeners: make(map[EventType][]listenerEntry),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) on(t EventType, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[t] = append(e.listeners[t], listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(t, id) })
	}
}

func (e *emitter) off(t EventType, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[t]
	for i, entry := range entries {
		if entry.id == id {
			// Copy so a snapshot taken by an in-flight delivery stays intact.
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			e.listeners[t] = next
			return
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// stop delivers whatever is queued and then ends the dispatch goroutine.
func (e *emitter) stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.stopped = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *emitter) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				stopped := e.stopped
				e.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			ev := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			entries := e.listeners[ev.Type()]
			e.mu.Unlock()

			for _, entry := range entries {
				e.deliver(ev, entry.fn)
			}
		}
	}
}

func (e *emitter) deliver(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("event", string(ev.Type())).Msg("listener panicked")
		}
	}()
	fn(ev)
}
