package sim

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// SessionInfo describes one connected client.
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	PVs         []string  `json:"pvs"`
	Dropped     uint64    `json:"dropped"`
}

// session is one WebSocket client. Frames are queued on send and written by
// writePump; a full queue drops the frame and counts it.
type session struct {
	id          string
	remote      string
	connectedAt time.Time
	conn        *websocket.Conn
	log         zerolog.Logger

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	onDrop  func()

	mu       sync.Mutex
	pvs      map[string]channel
	lastSeen time.Time
}

func newSession(id string, conn *websocket.Conn, queueLimit int, log zerolog.Logger) *session {
	now := time.Now()
	return &session{
		id:          id,
		remote:      conn.RemoteAddr().String(),
		connectedAt: now,
		conn:        conn,
		log:         log,
		send:        make(chan []byte, queueLimit),
		done:        make(chan struct{}),
		pvs:         make(map[string]channel),
		lastSeen:    now,
	}
}

func (s *session) writePump() {
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

// enqueue encodes f and queues it without blocking.
func (s *session) enqueue(f protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		s.log.Error().Err(err).Msg("encode frame")
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn().Uint64("dropped", n).Msg("write queue full, dropping frames")
		}
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
}

// monitor registers names and returns the channels that were not already
// monitored, in request order. Empty names are ignored.
func (s *session) monitor(names []string, missingPrefix string) []channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []channel
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := s.pvs[name]; ok {
			continue
		}
		ch := newChannel(name, missingPrefix)
		s.pvs[name] = ch
		added = append(added, ch)
	}
	return added
}

func (s *session) clear(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.pvs, name)
	}
}

func (s *session) touch(t time.Time) {
	s.mu.Lock()
	s.lastSeen = t
	s.mu.Unlock()
}

func (s *session) idleSince(t time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.Sub(s.lastSeen)
}

// connected returns the monitored channels that produce updates.
func (s *session) connected() []channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channel, 0, len(s.pvs))
	for _, ch := range s.pvs {
		if ch.connected {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	pvs := make([]string, 0, len(s.pvs))
	for name := range s.pvs {
		pvs = append(pvs, name)
	}
	sort.Strings(pvs)
	return SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.remote,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
		PVs:         pvs,
		Dropped:     s.dropped.Load(),
	}
}

// close drops the connection without a close handshake.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// closeWith sends a close frame before dropping the connection.
func (s *session) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.close()
}
