// Package sim is a PV monitor gateway simulator. It speaks the same WebSocket
// protocol as a real gateway and serves synthetic channels, which makes it
// useful for demos and for exercising clients against real sockets.
package sim

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epics2web/pvstream/internal/config"
	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Server struct {
	cfg      config.SimConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mutePongs atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*session

	framesDropped prometheus.Counter
	sessionsOpen  prometheus.GaugeFunc
}

func NewServer(cfg config.SimConfig, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "sim").Logger(),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			// The simulator is a development tool; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvsim_frames_dropped_total",
			Help: "Frames dropped because a session write queue was full.",
		}),
	}
	s.sessionsOpen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pvsim_sessions",
		Help: "Connected WebSocket sessions.",
	}, func() float64 { return float64(s.SessionCount()) })
	s.mutePongs.Store(cfg.MutePongs)
	return s
}

// Register adds the simulator collectors to reg.
func (s *Server) Register(reg prometheus.Registerer) error {
	if err := reg.Register(s.framesDropped); err != nil {
		return errors.Wrap(err, "register sim metrics")
	}
	if err := reg.Register(s.sessionsOpen); err != nil {
		return errors.Wrap(err, "register sim metrics")
	}
	return nil
}

// SetupRoutes mounts the monitor endpoint and the session listing on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/sessions", s.handleSessions)
}

// Handler returns a mux with the simulator routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// SetMutePongs makes the simulator ignore pings, which lets clients observe a
// liveness timeout on an otherwise healthy connection.
func (s *Server) SetMutePongs(mute bool) {
	s.mutePongs.Store(mute)
}

// DropAll closes every session without a close handshake.
func (s *Server) DropAll() int {
	sessions := s.snapshot()
	for _, sess := range sessions {
		sess.close()
	}
	if len(sessions) > 0 {
		s.log.Info().Int("sessions", len(sessions)).Msg("dropped all sessions")
	}
	return len(sessions)
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions lists connected sessions ordered by connect time.
func (s *Server) Sessions() []SessionInfo {
	sessions := s.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Run publishes updates every UpdateInterval and purges stale sessions until
// ctx is done. Remaining sessions are then closed with CloseGoingAway.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, sess := range s.snapshot() {
				sess.closeWith(websocket.CloseGoingAway, "simulator shutting down")
			}
			return nil
		case now := <-ticker.C:
			s.publish(now)
			s.purgeStale(now)
		}
	}
}

func (s *Server) publish(now time.Time) {
	for _, sess := range s.snapshot() {
		for _, ch := range sess.connected() {
			sess.enqueue(protocol.UpdateFrame(ch.name, ch.valueAt(now)))
		}
	}
}

// purgeStale closes sessions that have sent nothing for StaleTimeout. A zero
// timeout disables the purge.
func (s *Server) purgeStale(now time.Time) {
	if s.cfg.StaleTimeout <= 0 {
		return
	}
	for _, sess := range s.snapshot() {
		if idle := sess.idleSince(now); idle > s.cfg.StaleTimeout {
			sess.log.Info().Dur("idle", idle).Msg("purging stale session")
			sess.close()
		}
	}
}

func (s *Server) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	id := uuid.NewString()
	sess := newSession(id, conn, s.cfg.WriteQueueLimit, s.log.With().Str("session", id).Logger())
	sess.onDrop = s.framesDropped.Inc
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	sess.log.Info().Str("remote", sess.remote).Msg("session opened")

	go sess.writePump()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			sess.close()
			sess.log.Info().Uint64("dropped", sess.dropped.Load()).Msg("session closed")
		}()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch(time.Now())

		frame, err := protocol.Decode(data)
		if err != nil {
			sess.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		s.handleFrame(sess, frame)
	}
}

func (s *Server) handleFrame(sess *session, frame protocol.Frame) {
	switch frame.Type {
	case protocol.MsgPing:
		if s.mutePongs.Load() {
			return
		}
		sess.enqueue(protocol.Frame{Type: protocol.MsgPong})
	case protocol.MsgMonitor:
		now := time.Now()
		for _, ch := range sess.monitor(frame.PVs, s.cfg.MissingPrefix) {
			sess.enqueue(protocol.InfoFrame(ch.info()))
			if ch.connected {
				sess.enqueue(protocol.UpdateFrame(ch.name, ch.valueAt(now)))
			}
		}
	case protocol.MsgClear:
		sess.clear(frame.PVs)
	default:
		sess.log.Debug().Str("type", string(frame.Type)).Msg("ignoring unknown frame type")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Sessions()); err != nil {
		s.log.Debug().Err(err).Msg("write sessions response")
	}
}
