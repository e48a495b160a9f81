package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/destination"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

// ErrRunInProgress is returned by Run when the coordinator is already
// running.
var ErrRunInProgress = errors.New("an ingestion run is already in progress")

// cleanupTimeout bounds the rollback and state updates done after the run
// context is cancelled.
const cleanupTimeout = 2 * time.Minute

//go:generate mockgen -destination=mock/mock_locator.go -package=mock github.com/kube-reporting/billing-ingest/pkg/ingest ManifestLocator

// ManifestLocator finds the billing periods of one export and the current
// manifest of each.
type ManifestLocator interface {
	Export() string
	ListPeriods(ctx context.Context, start, end billing.Period) ([]billing.Period, error)
	ResolveCurrent(ctx context.Context, period billing.Period) (*billing.ManifestRecord, error)
}

// Coordinator loads the current version of every billing period of an
// export into a destination, one staging table and swap per period.
type Coordinator struct {
	logger  log.FieldLogger
	clock   clock.Clock
	cfg     Config
	locator ManifestLocator
	store   state.Store
	dest    destination.Destination
	bucket  objectstore.Bucket
	namer   *destination.TableNamer

	running sync.Mutex
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

func New(cfg Config, locator ManifestLocator, store state.Store, dest destination.Destination, bucket objectstore.Bucket, logger log.FieldLogger, opts ...Option) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.Export == "" {
		cfg.Export = locator.Export()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Export != locator.Export() {
		return nil, fmt.Errorf("locator is bound to export %q, not %q", locator.Export(), cfg.Export)
	}
	namer, err := destination.NewTableNamer(cfg.TableTemplate)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		logger: logger.WithFields(log.Fields{
			"component": "ingestionCoordinator",
			"vendor":    cfg.Vendor,
			"export":    cfg.Export,
		}),
		clock:   clock.RealClock{},
		cfg:     cfg,
		locator: locator,
		store:   store,
		dest:    dest,
		bucket:  bucket,
		namer:   namer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

// Run processes every period of the export within the configured range.
// Per-period failures are recorded in the summary; an error is returned
// only when the run could not start or must be aborted.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	if !c.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.running.Unlock()

	summary := &Summary{
		Vendor:    c.cfg.Vendor,
		Export:    c.cfg.Export,
		StartedAt: c.clock.Now().UTC(),
	}
	logger := c.logger.WithField("runStartedAt", summary.StartedAt)

	periods, err := c.listPeriods(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing billing periods of export %s: %w", c.cfg.Export, err)
	}
	logger.Infof("found %d billing periods", len(periods))

	results := make([]PeriodResult, len(periods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, period := range periods {
		i, period := i, period
		g.Go(func() error {
			res, err := c.ingestPeriod(gctx, period)
			results[i] = res
			observe(c.cfg.Export, res)
			return err
		})
	}
	runErr := g.Wait()

	summary.Results = results
	// The view only changes when a period was swapped.
	if runErr == nil && c.cfg.UnifiedView != "" && summary.Count(OutcomeLoaded) > 0 {
		if err := c.refreshUnifiedView(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Errorf("unable to refresh unified view %s", c.cfg.UnifiedView)
			summary.UnifiedViewError = err.Error()
		}
	}
	summary.FinishedAt = c.clock.Now().UTC()

	logger.WithFields(log.Fields{
		"status":   summary.Status(),
		"loaded":   summary.Count(OutcomeLoaded),
		"failed":   summary.Count(OutcomeFailed),
		"rows":     summary.Rows(),
		"duration": summary.FinishedAt.Sub(summary.StartedAt),
	}).Info("ingestion run finished")
	return summary, runErr
}

func (c *Coordinator) listPeriods(ctx context.Context) ([]billing.Period, error) {
	var periods []billing.Period
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		periods, err = c.locator.ListPeriods(ctx, c.cfg.Start, c.cfg.End)
		return err
	})
	return periods, err
}

// retry calls fn until it succeeds, fails with a non-retryable error, or the
// configured backoff is exhausted. The last error of fn is returned.
func (c *Coordinator) retry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	attempts := 0
	err := wait.ExponentialBackoffWithContext(ctx, c.cfg.Retry, func(ctx context.Context) (bool, error) {
		if attempts > 0 {
			resolveRetriesCounter.WithLabelValues(c.cfg.Export).Inc()
		}
		attempts++
		lastErr = fn(ctx)
		switch {
		case lastErr == nil:
			return true, nil
		case billing.IsRetryable(lastErr):
			c.logger.WithError(lastErr).Debugf("attempt %d failed, retrying", attempts)
			return false, nil
		default:
			return false, lastErr
		}
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err) && lastErr != nil:
		return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
	default:
		return err
	}
}

func (c *Coordinator) ingestPeriod(ctx context.Context, period billing.Period) (PeriodResult, error) {
	start := c.clock.Now()
	res := PeriodResult{Period: period}
	logger := c.logger.WithField("period", period.String())
	key := state.Key{Vendor: c.cfg.Vendor, Export: c.cfg.Export, Period: period}

	finish := func(outcome Outcome, reason string) (PeriodResult, error) {
		res.Outcome = outcome
		res.Reason = reason
		res.Duration = c.clock.Since(start)
		return res, nil
	}

	if ctx.Err() != nil {
		return finish(OutcomeCancelled, "run cancelled before the period was started")
	}

	var record *billing.ManifestRecord
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		record, err = c.locator.ResolveCurrent(ctx, period)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrNotFound):
		logger.WithError(err).Info("no current manifest, nothing to load")
		return finish(OutcomeSkippedNotFound, err.Error())
	case ctx.Err() != nil:
		return finish(OutcomeCancelled, "run cancelled while resolving the manifest")
	default:
		logger.WithError(err).Error("unable to resolve the current manifest")
		res, _ = finish(OutcomeFailed, err.Error())
		return res, c.recordFailure(ctx, key, err)
	}
	res.Version = record.Version
	logger = logger.WithField("version", record.Version.String())

	table, err := c.namer.TableName(c.cfg.Vendor, c.cfg.Export, period)
	if err != nil {
		return finish(OutcomeFailed, err.Error())
	}
	res.Table = table

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return finish(OutcomeCancelled, "run cancelled while reading load state")
		}
		logger.WithError(err).Error("unable to read load state")
		return finish(OutcomeFailed, err.Error())
	}
	if !c.cfg.Force && entry.Status == state.StatusCompleted && entry.CurrentVersion == record.Version {
		logger.Debug("current version already loaded")
		return finish(OutcomeSkippedUpToDate, "")
	}

	if ctx.Err() != nil {
		return finish(OutcomeCancelled, "run cancelled before the load started")
	}
	h, err := c.store.BeginAttempt(ctx, key, record.Version)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrConflictingAttempt):
		logger.Warn("another load of this period is in progress, skipping")
		return finish(OutcomeSkippedInProgress, err.Error())
	default:
		if ctx.Err() != nil {
			return finish(OutcomeCancelled, "run cancelled before the load started")
		}
		logger.WithError(err).Error("unable to begin load attempt")
		return finish(OutcomeFailed, err.Error())
	}
	logger = logger.WithField("attemptID", h.AttemptID)
	logger.Infof("loading %d files into %s", len(record.Files), table)

	staging := destination.StagingName(table)
	files, rows, err := c.load(ctx, staging, record, logger)
	res.Files, res.Rows = files, rows

	// Past this point the swap and state updates run to completion even if
	// the run is cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err == nil {
		if err = c.dest.Swap(cleanupCtx, table, staging); err != nil {
			err = fmt.Errorf("swapping %s into %s: %w", staging, table, err)
		}
	}
	if err != nil {
		cancelled := ctx.Err() != nil
		if dropErr := c.dest.DropTable(cleanupCtx, staging); dropErr != nil {
			logger.WithError(dropErr).Warnf("unable to drop staging table %s", staging)
		}
		msg := err.Error()
		if cancelled {
			msg = "run cancelled: " + msg
		}
		if failErr := c.store.FailAttempt(cleanupCtx, h, msg); failErr != nil {
			if errors.Is(failErr, billing.ErrNoActiveAttempt) {
				logger.WithError(failErr).Error("load attempt vanished, aborting run")
				res, _ = finish(OutcomeFailed, msg)
				return res, failErr
			}
			logger.WithError(failErr).Error("unable to record failed load attempt")
		}
		if cancelled {
			logger.WithError(err).Warn("load cancelled, staging table dropped")
			return finish(OutcomeCancelled, msg)
		}
		logger.WithError(err).Error("load failed, staging table dropped")
		return finish(OutcomeFailed, msg)
	}

	if err := c.store.CompleteAttempt(cleanupCtx, h, files, rows); err != nil {
		if errors.Is(err, billing.ErrNoActiveAttempt) {
			logger.WithError(err).Error("load attempt vanished, aborting run")
			res, _ = finish(OutcomeFailed, err.Error())
			return res, err
		}
		logger.WithError(err).Error("unable to record completed load attempt")
		if failErr := c.store.FailAttempt(cleanupCtx, h, "recording completion: "+err.Error()); failErr != nil {
			logger.WithError(failErr).Error("unable to record failed load attempt")
		}
		return finish(OutcomeFailed, err.Error())
	}
	logger.WithFields(log.Fields{"files": files, "rows": rows}).Infof("loaded into %s", table)
	return finish(OutcomeLoaded, "")
}

// load creates staging and appends every data file of record to it. The
// table takes the columns of the first file, falling back to the columns
// the manifest declares.
func (c *Coordinator) load(ctx context.Context, staging string, record *billing.ManifestRecord, logger log.FieldLogger) (files, rows int64, err error) {
	created := false
	create := func(columns []string) error {
		if len(columns) == 0 {
			columns = record.ColumnNames()
		}
		if len(columns) == 0 {
			return fmt.Errorf("no columns found in the data files or the manifest %s", record.ManifestKey)
		}
		if err := c.dest.CreateTable(ctx, staging, columns); err != nil {
			return fmt.Errorf("creating staging table %s: %w", staging, err)
		}
		created = true
		return nil
	}

	for _, key := range record.Files {
		if err := ctx.Err(); err != nil {
			return files, rows, err
		}
		r, err := parser.Open(ctx, c.bucket, key, c.cfg.Format)
		if err != nil {
			return files, rows, fmt.Errorf("opening %s: %w", key, err)
		}
		if !created {
			if err := create(r.Columns()); err != nil {
				r.Close()
				return files, rows, err
			}
		}
		n, err := c.dest.Append(ctx, staging, r)
		r.Close()
		rows += n
		if err != nil {
			return files, rows, fmt.Errorf("loading %s: %w", key, err)
		}
		files++
		logger.Debugf("loaded %d rows from %s", n, key)
	}
	if !created {
		if err := create(nil); err != nil {
			return files, rows, err
		}
	}
	return files, rows, nil
}

// recordFailure leaves a Failed attempt for a period whose manifest could
// not be resolved, so the failure shows in its state and history. The
// version of such an attempt is empty.
func (c *Coordinator) recordFailure(ctx context.Context, key state.Key, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	h, err := c.store.BeginAttempt(ctx, key, "")
	if err != nil {
		if !errors.Is(err, billing.ErrConflictingAttempt) {
			c.logger.WithError(err).Warnf("unable to record failure of %s", key)
		}
		return nil
	}
	if err := c.store.FailAttempt(ctx, h, cause.Error()); err != nil {
		if errors.Is(err, billing.ErrNoActiveAttempt) {
			return err
		}
		c.logger.WithError(err).Warnf("unable to record failure of %s", key)
	}
	return nil
}

func (c *Coordinator) refreshUnifiedView(ctx context.Context) error {
	entries, err := c.store.List(ctx, c.cfg.Vendor, c.cfg.Export)
	if err != nil {
		return err
	}
	var sources []destination.ViewSource
	for _, e := range entries {
		if e.CurrentVersion.IsZero() {
			continue
		}
		table, err := c.namer.TableName(c.cfg.Vendor, c.cfg.Export, e.Key.Period)
		if err != nil {
			return err
		}
		sources = append(sources, destination.ViewSource{Table: table, Period: e.Key.Period})
	}
	return c.dest.CreateUnifiedView(ctx, c.cfg.UnifiedView, sources)
}
