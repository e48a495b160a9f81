package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kube-reporting/billing-ingest/pkg/ingest"
	"github.com/kube-reporting/billing-ingest/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and run ingestion on a schedule",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	serveCmd.Flags().String("listen", "", "address the HTTP API listens on")
	serveCmd.Flags().String("schedule", "", "cron expression for scheduled runs, e.g. \"0 */6 * * *\"")
	serveCmd.Flags().Bool("run-on-start", false, "start a run as soon as the server is up")
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx := setupSignals()
	a, err := newApp(ctx, cmd.Flags(), components{locator: true, destination: true})
	if err != nil {
		return err
	}
	defer a.Close()

	prometheus.MustRegister(versioncollector.NewCollector("billing_ingest"))

	c, err := a.coordinator()
	if err != nil {
		return err
	}
	srv := server.New(a.logger, c, a.store, a.cfg.Export.Vendor, a.cfg.Export.Name)
	g, ctx := errgroup.WithContext(ctx)
	trigger := func(reason string) {
		switch err := srv.TriggerRun(ctx); {
		case err == nil:
			a.logger.Infof("started %s ingestion run", reason)
		case errors.Is(err, ingest.ErrRunInProgress):
			a.logger.Infof("skipping %s ingestion run, a run is already in progress", reason)
		default:
			a.logger.WithError(err).Errorf("unable to start %s ingestion run", reason)
		}
	}

	g.Go(func() error {
		return srv.ListenAndServe(ctx, a.cfg.Server.Listen)
	})

	if a.cfg.Run.Schedule != "" {
		schedule, err := cron.ParseStandard(a.cfg.Run.Schedule)
		if err != nil {
			return err
		}
		scheduler := cron.New()
		scheduler.Schedule(schedule, cron.FuncJob(func() { trigger("scheduled") }))
		scheduler.Start()
		g.Go(func() error {
			<-ctx.Done()
			scheduler.Stop()
			return nil
		})
		a.logger.Infof("ingestion runs scheduled with %q", a.cfg.Run.Schedule)
	}
	if runOnStart, _ := cmd.Flags().GetBool("run-on-start"); runOnStart {
		trigger("startup")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("billing-ingest has stopped")
	return nil
}
