package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/epics2web/pvstream/internal/console"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [PV...]",
		Short: "Interactive PV table",
		Long:  "Interactive PV table. Logs are discarded unless --log-file is set, since the table owns the terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), root, args)
		},
	}
}

func runWatch(ctx context.Context, root *rootOptions, pvs []string) error {
	logger := zerolog.Nop()
	if root.cfg.Log.File != "" {
		logger = log.Logger
	}

	c, reg, err := root.newClient(logger)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	program := tea.NewProgram(console.New(c, pvs), tea.WithAltScreen(), tea.WithContext(ctx))
	detach := console.Attach(c, program.Send)
	defer detach()

	eg.Go(func() error { return serveMetrics(ctx, root.metricsAddr, reg) })
	eg.Go(func() error {
		defer cancel()
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return errors.Wrap(err, "console")
		}
		return nil
	})
	return eg.Wait()
}
