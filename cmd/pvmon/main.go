// Command pvmon monitors PVs through a gateway's WebSocket monitor endpoint.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/epics2web/pvstream/internal/client"
	"github.com/epics2web/pvstream/internal/config"
	"github.com/epics2web/pvstream/internal/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath      string
	endpoint        string
	logLevel        string
	logFormat       string
	logFile         string
	chunkSize       uint
	pingInterval    time.Duration
	livenessTimeout time.Duration
	reconnectWait   time.Duration
	noReconnect     bool
	noLiveness      bool
	metricsAddr     string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pvmon",
		Short:         "Monitor EPICS PVs over a gateway WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	f.StringVarP(&opts.endpoint, "url", "u", config.DefaultEndpoint, "Gateway monitor endpoint")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")
	f.StringVar(&opts.logFile, "log-file", "", "Write logs to this file instead of stderr")
	f.UintVar(&opts.chunkSize, "chunk-size", 400, "Max PVs per monitor/clear frame, 0 disables chunking")
	f.DurationVar(&opts.pingInterval, "ping-interval", 3*time.Second, "Interval between liveness pings")
	f.DurationVar(&opts.livenessTimeout, "liveness-timeout", 2*time.Second, "Time to wait for traffic after a ping")
	f.DurationVar(&opts.reconnectWait, "reconnect-wait", time.Second, "Delay before reconnecting")
	f.BoolVar(&opts.noReconnect, "no-reconnect", false, "Do not reconnect after the connection closes")
	f.BoolVar(&opts.noLiveness, "no-liveness", false, "Disable liveness pings")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")

	cmd.AddCommand(newTailCmd(opts), newWatchCmd(opts))
	return cmd, opts
}

// load reads the config file and applies the flags the user set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("url") {
		cfg.Client.Endpoint = o.endpoint
	}
	if f.Changed("chunk-size") {
		cfg.Client.ChunkSize = o.chunkSize
	}
	for _, d := range []struct {
		flag  string
		value time.Duration
		dst   *uint
	}{
		{"ping-interval", o.pingInterval, &cfg.Client.PingIntervalMs},
		{"liveness-timeout", o.livenessTimeout, &cfg.Client.LivenessTimeoutMs},
		{"reconnect-wait", o.reconnectWait, &cfg.Client.ReconnectWaitMs},
	} {
		if !f.Changed(d.flag) {
			continue
		}
		if d.value < 0 {
			return errors.Errorf("--%s must not be negative, got %s", d.flag, d.value)
		}
		*d.dst = config.Millis(d.value)
	}
	if o.noReconnect {
		cfg.Client.AutoReconnect = false
	}
	if o.noLiveness {
		cfg.Client.AutoLivenessCheck = false
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if f.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if err := cfg.Client.Validate(); err != nil {
		return err
	}

	_, closer, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logCloser = closer
	return nil
}

// newClient builds a stream client that does not open until asked.
func (o *rootOptions) newClient(logger zerolog.Logger, extra ...client.Option) (*client.StreamClient, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	metrics, err := client.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	opts := append([]client.Option{
		client.WithConfig(o.cfg.Client),
		client.WithAutoOpen(false),
		client.WithLogger(logger),
		client.WithMetrics(metrics),
	}, extra...)
	c, err := client.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, reg, nil
}

// serveMetrics serves reg on addr until ctx is done. An empty addr serves
// nothing.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func main() {
	cmd, _ := newRootCmd()
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("pvmon failed")
		os.Exit(1)
	}
}
