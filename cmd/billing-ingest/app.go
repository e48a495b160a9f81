package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/cmd/helpers"
	"github.com/kube-reporting/billing-ingest/pkg/aws"
	"github.com/kube-reporting/billing-ingest/pkg/config"
	"github.com/kube-reporting/billing-ingest/pkg/destination"
	"github.com/kube-reporting/billing-ingest/pkg/ingest"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

// app holds the components a command works with. Components a command does
// not ask for are left nil.
type app struct {
	cfg    config.Config
	logger log.FieldLogger

	bucket  objectstore.Bucket
	locator *aws.Locator
	store   state.Store
	dest    destination.Destination
}

type components struct {
	locator     bool
	destination bool
}

func newApp(ctx context.Context, fs *pflag.FlagSet, want components) (*app, error) {
	cfg, err := loadConfig(fs)
	if err != nil {
		return nil, err
	}
	logger, err := helpers.SetupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.ReportCaller, log.Fields{"app": appName})
	if err != nil {
		return nil, err
	}
	logger.Debugf("config: %s", cfg.Dump())

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.store, err = state.Open(ctx, cfg.State, clock.RealClock{}, logger)
	if err != nil {
		return nil, fmt.Errorf("unable to open the load state store: %w", err)
	}
	if want.locator {
		a.bucket, err = objectstore.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("unable to open object storage: %w", err)
		}
		a.locator, err = aws.NewLocator(a.bucket, cfg.Locator(), logger)
		if err != nil {
			return nil, err
		}
	}
	if want.destination {
		a.dest, err = destination.Open(ctx, cfg.Destination, logger)
		if err != nil {
			return nil, fmt.Errorf("unable to open the destination: %w", err)
		}
	}
	ok = true
	return a, nil
}

func (a *app) coordinator() (*ingest.Coordinator, error) {
	return ingest.New(a.cfg.Ingest(), a.locator, a.store, a.dest, a.bucket, a.logger)
}

func (a *app) Close() {
	if a.dest != nil {
		if err := a.dest.Close(); err != nil {
			a.logger.WithError(err).Warn("error closing the destination")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("error closing the load state store")
		}
	}
	if a.bucket != nil {
		if err := a.bucket.Close(); err != nil {
			a.logger.WithError(err).Warn("error closing object storage")
		}
	}
}
