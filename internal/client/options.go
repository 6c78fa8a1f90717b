package client

import (
	"time"

	"github.com/epics2web/pvstream/internal/config"
	"github.com/rs/zerolog"
)

// Option overrides one aspect of a client. Options apply in order on top of
// config.DefaultClient().
type Option func(*StreamClient)

// WithConfig replaces every client option at once.
func WithConfig(cfg config.Client) Option {
	return func(c *StreamClient) { c.cfg = cfg }
}

func WithEndpoint(endpoint string) Option {
	return func(c *StreamClient) { c.cfg.Endpoint = endpoint }
}

func WithAutoOpen(on bool) Option {
	return func(c *StreamClient) { c.cfg.AutoOpen = on }
}

func WithAutoReconnect(on bool) Option {
	return func(c *StreamClient) { c.cfg.AutoReconnect = on }
}

func WithAutoLivenessCheck(on bool) Option {
	return func(c *StreamClient) { c.cfg.AutoLivenessCheck = on }
}

// WithPingInterval sets the keepalive period. Durations below a millisecond,
// negative ones included, leave the option at 0, which New rejects while
// liveness checking is on.
func WithPingInterval(d time.Duration) Option {
	return func(c *StreamClient) { c.cfg.PingIntervalMs = config.Millis(d) }
}

func WithLivenessTimeout(d time.Duration) Option {
	return func(c *StreamClient) { c.cfg.LivenessTimeoutMs = config.Millis(d) }
}

// WithReconnectWait sets the delay before a reconnect; negative means none.
func WithReconnectWait(d time.Duration) Option {
	return func(c *StreamClient) { c.cfg.ReconnectWaitMs = config.Millis(d) }
}

// WithChunkSize sets the max PVs per monitor/clear frame; 0 disables chunking.
func WithChunkSize(n uint) Option {
	return func(c *StreamClient) { c.cfg.ChunkSize = n }
}

// WithDialer replaces the WebSocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *StreamClient) { c.dialer = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *StreamClient) { c.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(c *StreamClient) { c.metrics = m }
}
