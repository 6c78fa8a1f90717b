package sim

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverSideConn returns the server end of a fresh WebSocket connection.
func serverSideConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side connection")
		return nil
	}
}

func TestSession_EnqueueDropsWhenFull(t *testing.T) {
	sess := newSession("s1", serverSideConn(t), 2, zerolog.Nop())
	drops := 0
	sess.onDrop = func() { drops++ }

	// No writePump is running, so the queue fills up.
	for i := 0; i < 5; i++ {
		sess.enqueue(protocol.Frame{Type: protocol.MsgPong})
	}

	assert.Equal(t, uint64(3), sess.dropped.Load())
	assert.Equal(t, 3, drops)
	assert.Equal(t, uint64(3), sess.info().Dropped)
}

func TestSession_EnqueueAfterClose(t *testing.T) {
	sess := newSession("s1", serverSideConn(t), 2, zerolog.Nop())
	sess.close()
	sess.close()

	assert.False(t, sess.enqueue(protocol.Frame{Type: protocol.MsgPong}))
	assert.Zero(t, sess.dropped.Load())
}

func TestSession_MonitorAndClear(t *testing.T) {
	sess := newSession("s1", serverSideConn(t), 2, zerolog.Nop())

	added := sess.monitor([]string{"B", "", "A", "B", "NOPE:C"}, "NOPE:")
	names := make([]string, len(added))
	for i, ch := range added {
		names[i] = ch.name
	}
	assert.Equal(t, []string{"B", "A", "NOPE:C"}, names)
	assert.Empty(t, sess.monitor([]string{"A"}, "NOPE:"))

	connected := sess.connected()
	require.Len(t, connected, 2)
	assert.Equal(t, "A", connected[0].name)

	sess.clear([]string{"A", "unknown"})
	assert.Equal(t, []string{"B", "NOPE:C"}, sess.info().PVs)
}
