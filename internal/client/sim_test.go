package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epics2web/pvstream/internal/client"
	"github.com/epics2web/pvstream/internal/config"
	"github.com/epics2web/pvstream/internal/sim"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []client.Event
}

func (l *eventLog) record(ev client.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t client.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t client.EventType) client.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type() == t {
			return l.events[i]
		}
	}
	return nil
}

func startSim(t *testing.T) (*sim.Server, string) {
	t.Helper()
	cfg := config.Default().Sim
	cfg.UpdateInterval = 20 * time.Millisecond
	cfg.StaleTimeout = 0
	s := sim.NewServer(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
}

// newSimClient connects to endpoint and resubscribes pvs on every open.
func newSimClient(t *testing.T, endpoint string, pvs []string, opts ...client.Option) (*client.StreamClient, *eventLog) {
	t.Helper()
	log := &eventLog{}
	var c *client.StreamClient
	base := []client.Option{
		client.WithEndpoint(endpoint),
		client.WithLogger(zerolog.Nop()),
		client.WithReconnectWait(50 * time.Millisecond),
		client.WithPingInterval(30 * time.Millisecond),
		client.WithLivenessTimeout(100 * time.Millisecond),
		client.WithListener(client.EventOpen, func(client.Event) {
			_ = c.Subscribe(pvs)
		}),
	}
	for _, et := range []client.EventType{
		client.EventConnecting, client.EventOpen, client.EventClosing, client.EventClose,
		client.EventError, client.EventUpdate, client.EventInfo, client.EventPong,
	} {
		base = append(base, client.WithListener(et, log.record))
	}

	// The open listener needs c, so open only after it is assigned.
	base = append(base, client.WithAutoOpen(false))
	var err error
	c, err = client.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Open())
	return c, log
}

func TestSim_SubscribeReceivesInfoAndUpdates(t *testing.T) {
	_, endpoint := startSim(t)
	_, log := newSimClient(t, endpoint, []string{"IOC:TEMP", "NOPE:GONE", "IOC:STAT"})

	require.Eventually(t, func() bool {
		return log.count(client.EventInfo) == 3 && log.count(client.EventUpdate) >= 5
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, log.count(client.EventError))

	require.Eventually(t, func() bool { return log.count(client.EventPong) > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestSim_ReconnectsAfterDropAndResubscribes(t *testing.T) {
	s, endpoint := startSim(t)
	c, log := newSimClient(t, endpoint, []string{"IOC:A"})

	require.Eventually(t, func() bool { return log.count(client.EventInfo) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, s.DropAll())

	require.Eventually(t, func() bool {
		return log.count(client.EventOpen) == 2 && log.count(client.EventInfo) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, log.count(client.EventError))
	assert.Equal(t, []string{"IOC:A"}, c.Subscribed())

	closeEv, ok := log.last(client.EventClose).(client.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, client.CloseAbnormalClosure, closeEv.Code)
}

func TestSim_LivenessTimeoutWhenPongsStop(t *testing.T) {
	s, endpoint := startSim(t)
	c, log := newSimClient(t, endpoint, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitState(ctx, client.StateOpen))

	s.SetMutePongs(true)

	require.Eventually(t, func() bool {
		ev, ok := log.last(client.EventClosing).(client.ClosingEvent)
		return ok && ev.Reason == "liveness timeout"
	}, 3*time.Second, 10*time.Millisecond)

	s.SetMutePongs(false)
	require.Eventually(t, func() bool { return log.count(client.EventOpen) >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestSim_ShutdownClosesGracefully(t *testing.T) {
	s, endpoint := startSim(t)
	c, log := newSimClient(t, endpoint, []string{"IOC:A"})
	require.Eventually(t, func() bool { return s.SessionCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	c.Shutdown()

	assert.Equal(t, client.StateClosed, c.State())
	closeEv, ok := log.last(client.EventClose).(client.CloseEvent)
	require.True(t, ok)
	assert.Equal(t, client.CloseGoingAway, closeEv.Code)
	assert.Zero(t, log.count(client.EventError))
	require.Eventually(t, func() bool { return s.SessionCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}
