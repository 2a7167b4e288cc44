package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"popovka-vpn/internal/database"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the expiry sweeper, drift reconciler and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, runtimeConfig, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := database.Migrate(a.db); err != nil {
			return err
		}

		startMetricsServer(ctx, a.cfg.MetricsAddr, a.cfg.MetricsShutdownTimeout, a.ping)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.sweeper().Start(ctx)
		}()
		go func() {
			defer wg.Done()
			a.reconciler().Start(ctx)
		}()

		log.Info().Str("lock_backend", a.cfg.LockBackend).Msg("Service started successfully")
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		wg.Wait()
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, runtimeConfig, true)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.sweeper().RunOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "reminded=%d unfrozen=%d renewed=%d expired=%d failed=%d unsynced=%d\n",
			report.Reminded, report.Unfrozen, report.Renewed, report.Expired, report.Failed, report.Unsynced)
		return err
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare subscriptions with panel clients once and fix enabled flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, runtimeConfig, false)
		if err != nil {
			return err
		}
		defer a.Close()

		drifts, err := a.reconciler().RunOnce(ctx)
		out := cmd.OutOrStdout()
		for _, d := range drifts {
			fmt.Fprintf(out, "subscription=%d panel=%d kind=%s corrected=%t", d.SubscriptionID, d.PanelID, d.Kind, d.Corrected)
			if d.Err != nil {
				fmt.Fprintf(out, " error=%q", d.Err.Error())
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%d drift(s)\n", len(drifts))
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), runtimeConfig, false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := database.Migrate(a.db); err != nil {
			return err
		}
		log.Info().Msg("Database migrated")
		return nil
	},
}

var panelsCmd = &cobra.Command{
	Use:   "panels",
	Short: "Check login against every active panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, runtimeConfig, false)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.registry.ListActive(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := 0
		for _, id := range ids {
			if err := checkPanel(ctx, a, id); err != nil {
				failed++
				fmt.Fprintf(out, "panel %d: %v\n", id, err)
				continue
			}
			fmt.Fprintf(out, "panel %d: ok\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d panels unreachable", failed, len(ids))
		}
		return nil
	},
}

func checkPanel(ctx context.Context, a *app, id uint) error {
	sess, err := a.registry.Open(ctx, id)
	if err != nil {
		return err
	}
	return sess.Close()
}
