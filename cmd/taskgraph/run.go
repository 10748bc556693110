package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var (
		frames      uint64
		reportEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run frames until signalled or the frame limit is reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cmd.Flags().Changed("frames") {
				cfg.Scheduler.Frames = frames
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			a, err := build(startCtx, cfg, log, true)
			cancel()
			if err != nil {
				return err
			}
			defer a.close()

			if len(cfg.Loader.Preload) > 0 {
				if err := a.loader.RequestTask(a.s, cfg.Loader.Preload...); err != nil {
					return fmt.Errorf("preload: %w", err)
				}
			}

			log.Info("scheduler running",
				zap.Strings("goals", a.s.Goals()),
				zap.Int("systems", a.s.Systems().Len()),
				zap.Duration("interval", cfg.Scheduler.FrameInterval),
				zap.Uint64("frames", cfg.Scheduler.Frames))
			err = a.loop(ctx, reportEvery)
			log.Info("scheduler stopping", zap.Uint64("frames", a.s.Frame()))
			return err
		},
	}
	cmd.Flags().Uint64Var(&frames, "frames", 0, "Stop after N frames (overrides scheduler.frames, 0 = until signalled)")
	cmd.Flags().DurationVar(&reportEvery, "report-every", 5*time.Second, "Interval between frame stats log lines, 0 disables")
	return cmd
}

// loop runs frames alongside the stats reporter. Either stopping ends both.
func (a *app) loop(ctx context.Context, reportEvery time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.frames(gctx)
	})

	if reportEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(reportEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := a.report(); err != nil {
						return err
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) frames(ctx context.Context) error {
	interval := a.cfg.Scheduler.FrameInterval
	limit := a.cfg.Scheduler.Frames
	if limit == 0 {
		return a.s.Run(ctx, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for a.s.Frame() < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.s.Update()
		}
	}
	a.s.WaitIdle()
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config, manifest and scripts without running frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := build(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintf(cmd.OutOrStdout(), "goals:   %v\n", a.s.Goals())
			fmt.Fprintf(cmd.OutOrStdout(), "systems: %v\n", a.s.Systems().Names())
			for _, g := range a.s.Goals() {
				names, err := a.s.TaskNames(g)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %v\n", g, names)
			}
			return nil
		},
	}
}
