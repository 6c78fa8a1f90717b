package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epics2web/pvstream/internal/client"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type tailOptions struct {
	json       bool
	maxUpdates int
}

func newTailCmd(root *rootOptions) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail PV [PV...]",
		Short: "Print PV updates as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, root, opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print one JSON object per event")
	cmd.Flags().IntVarP(&opts.maxUpdates, "count", "n", 0, "Exit after this many updates, 0 runs until interrupted")
	return cmd
}

// tailLine is the JSON form of one printed event.
type tailLine struct {
	Time       time.Time       `json:"time"`
	Event      string          `json:"event"`
	PV         string          `json:"pv,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Connected  *bool           `json:"connected,omitempty"`
	Datatype   string          `json:"datatype,omitempty"`
	EnumLabels []string        `json:"enumLabels,omitempty"`
}

// printer writes events to out. Listeners run on one goroutine, so it needs
// no locking of its own.
type printer struct {
	out  io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON, enc: json.NewEncoder(out)}
}

func (p *printer) print(ev client.Event) {
	line := tailLine{Time: time.Now(), Event: string(ev.Type())}
	switch ev := ev.(type) {
	case client.UpdateEvent:
		line.Time, line.PV = ev.Timestamp, ev.PV
		line.Value, _ = ev.Value.MarshalJSON()
	case client.InfoEvent:
		connected := ev.Connected
		line.PV, line.Connected, line.Datatype, line.EnumLabels = ev.PV, &connected, ev.Datatype, ev.EnumLabels
	}

	if p.json {
		if err := p.enc.Encode(line); err != nil {
			log.Debug().Err(err).Msg("write event")
		}
		return
	}

	ts := line.Time.Format("15:04:05.000")
	switch ev := ev.(type) {
	case client.UpdateEvent:
		fmt.Fprintf(p.out, "%s %s %s\n", ts, ev.PV, ev.Value.String())
	case client.InfoEvent:
		if ev.Connected {
			fmt.Fprintf(p.out, "%s %s connected %s\n", ts, ev.PV, ev.Datatype)
		} else {
			fmt.Fprintf(p.out, "%s %s disconnected\n", ts, ev.PV)
		}
	}
}

func runTail(ctx context.Context, root *rootOptions, opts *tailOptions, pvs []string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var c *client.StreamClient
	p := newPrinter(out, opts.json)
	updates := 0

	c, reg, err := root.newClient(log.Logger,
		client.WithListener(client.EventOpen, func(client.Event) {
			if err := c.Subscribe(pvs); err != nil {
				log.Warn().Err(err).Msg("subscribe failed")
			}
		}),
		client.WithListener(client.EventInfo, p.print),
		client.WithListener(client.EventUpdate, func(ev client.Event) {
			if opts.maxUpdates > 0 && updates >= opts.maxUpdates {
				return
			}
			p.print(ev)
			if updates++; opts.maxUpdates > 0 && updates >= opts.maxUpdates {
				cancel()
			}
		}),
		client.WithListener(client.EventClose, func(ev client.Event) {
			ce := ev.(client.CloseEvent)
			log.Info().Int("code", ce.Code).Str("reason", ce.Reason).Msg("connection closed")
		}),
	)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	if err := c.Open(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return serveMetrics(ctx, root.metricsAddr, reg) })
	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return eg.Wait()
}
