// Command pvsim runs a PV monitor gateway simulator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epics2web/pvstream/internal/config"
	"github.com/epics2web/pvstream/internal/logging"
	"github.com/epics2web/pvstream/internal/sim"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath     string
	host           string
	port           int
	updateInterval time.Duration
	mutePongs      bool
	logLevel       string
}

func newRootCmd() (*cobra.Command, *options) {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "pvsim",
		Short:         "Serve synthetic PVs over the gateway monitor protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	f.StringVar(&opts.host, "host", "127.0.0.1", "Listen host")
	f.IntVarP(&opts.port, "port", "p", 8080, "Listen port")
	f.DurationVar(&opts.updateInterval, "update-interval", time.Second, "Interval between PV updates")
	f.BoolVar(&opts.mutePongs, "mute-pongs", false, "Ignore pings, so clients hit their liveness timeout")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	return cmd, opts
}

func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Sim.Host = o.host
	}
	if f.Changed("port") {
		cfg.Sim.Port = o.port
	}
	if f.Changed("update-interval") {
		cfg.Sim.UpdateInterval = o.updateInterval
	}
	if f.Changed("mute-pongs") {
		cfg.Sim.MutePongs = o.mutePongs
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Sim.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	srv := sim.NewServer(cfg.Sim, log.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := srv.Register(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Sim.Host, cfg.Sim.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Run(ctx) })
	eg.Go(func() error {
		log.Info().Str("addr", addr).Str("path", cfg.Sim.Path).Msg("simulator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func main() {
	cmd, _ := newRootCmd()
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("pvsim failed")
		os.Exit(1)
	}
}
