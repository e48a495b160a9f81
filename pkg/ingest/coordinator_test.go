package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kube-reporting/billing-ingest/pkg/aws"
	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/destination"
	destmock "github.com/kube-reporting/billing-ingest/pkg/destination/mock"
	locatormock "github.com/kube-reporting/billing-ingest/pkg/ingest/mock"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
	"github.com/kube-reporting/billing-ingest/pkg/state"
	statemock "github.com/kube-reporting/billing-ingest/pkg/state/mock"
)

var (
	testLogger = logrus.New()
	testRetry  = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3}
	jan        = billing.MustParsePeriod("2024-01")
	feb        = billing.MustParsePeriod("2024-02")
	mar        = billing.MustParsePeriod("2024-03")
)

// export is a fake CUR export written into an in-memory bucket.
type export struct {
	t      *testing.T
	raw    *blob.Bucket
	bucket objectstore.Bucket
}

func newExport(t *testing.T) *export {
	raw := memblob.OpenBucket(nil)
	t.Cleanup(func() { raw.Close() })
	return &export{t: t, raw: raw, bucket: objectstore.NewBlobBucket(raw)}
}

func periodDir(p billing.Period) string {
	return fmt.Sprintf("cur/acct-1/%s-%s", p.Start().Format(aws.BillingDateFormat), p.End().Format(aws.BillingDateFormat))
}

func (e *export) write(key string, data []byte) {
	e.t.Helper()
	require.NoError(e.t, e.raw.WriteAll(context.Background(), key, data, nil))
}

// publish writes generation gen of period p with one data file per entry
// of rowsPerFile, and points the period at it.
func (e *export) publish(p billing.Period, gen string, rowsPerFile ...int) {
	e.t.Helper()
	dir := periodDir(p)
	keys := []string{}
	for i, n := range rowsPerFile {
		var b strings.Builder
		b.WriteString("lineItem/UsageStartDate,lineItem/UnblendedCost\n")
		for r := 0; r < n; r++ {
			fmt.Fprintf(&b, "%s,%d.%02d\n", p.Start().Format(time.RFC3339), r, i)
		}
		key := fmt.Sprintf("%s/%s/acct-1-%d.csv", dir, gen, i+1)
		e.write(key, []byte(b.String()))
		keys = append(keys, key)
	}
	m := map[string]interface{}{
		"assemblyId": gen,
		"columns": []map[string]string{
			{"category": "lineItem", "name": "UsageStartDate", "type": "DateTime"},
			{"category": "lineItem", "name": "UnblendedCost", "type": "BigDecimal"},
		},
		"billingPeriod": map[string]string{
			"start": p.Start().Format("20060102T000000.000Z"),
			"end":   p.End().Format("20060102T000000.000Z"),
		},
		"reportKeys": keys,
	}
	data, err := json.Marshal(m)
	require.NoError(e.t, err)
	e.write(dir+"/"+gen+"/acct-1-Manifest.json", data)
	e.write(dir+"/acct-1-Manifest.json", data)
}

func (e *export) locator() *aws.Locator {
	l, err := aws.NewLocator(e.bucket, aws.LocatorConfig{
		Bucket: "billing",
		Prefix: "cur",
		Export: "acct-1",
		Layout: aws.LayoutFlat,
	}, testLogger)
	require.NoError(e.t, err)
	return l
}

func newTestDuckDB(t *testing.T) *destination.DuckDB {
	d, err := destination.NewDuckDB("", testLogger, false)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func countRows(t *testing.T, d *destination.DuckDB, table string) int64 {
	t.Helper()
	rows, err := d.Query(context.Background(), "SELECT count(*) FROM "+table)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int64
	require.NoError(t, rows.Scan(&n))
	return n
}

func newTestCoordinator(t *testing.T, cfg Config, locator ManifestLocator, store state.Store, dest destination.Destination, bucket objectstore.Bucket) *Coordinator {
	t.Helper()
	if cfg.Export == "" {
		cfg.Export = "acct-1"
	}
	if cfg.Retry.Steps == 0 {
		cfg.Retry = testRetry
	}
	c, err := New(cfg, locator, store, dest, bucket, testLogger)
	require.NoError(t, err)
	return c
}

func outcomes(s *Summary) map[billing.Period]Outcome {
	out := make(map[billing.Period]Outcome)
	for _, r := range s.Results {
		out[r.Period] = r.Outcome
	}
	return out
}

func keyFor(p billing.Period) state.Key {
	return state.Key{Vendor: DefaultVendor, Export: "acct-1", Period: p}
}

func TestRunLoadsSkipsAndReloads(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 2, 1)
	e.publish(feb, "g1", 2)

	store := state.NewMemoryStore(nil)
	dest := newTestDuckDB(t)
	c := newTestCoordinator(t, Config{UnifiedView: "acct_1_all"}, e.locator(), store, dest, e.bucket)

	summary, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, summary.Status())
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeLoaded, feb: OutcomeLoaded}, outcomes(summary))
	assert.Equal(t, int64(5), summary.Rows())
	assert.Equal(t, "acct_1_2024_01", summary.Results[0].Table)
	assert.Equal(t, int64(2), summary.Results[0].Files)
	assert.Equal(t, int64(3), countRows(t, dest, "acct_1_2024_01"))
	assert.Equal(t, int64(2), countRows(t, dest, "acct_1_2024_02"))
	assert.Equal(t, int64(5), countRows(t, dest, "acct_1_all"))

	version, ok, err := store.CurrentVersion(ctx, keyFor(jan))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, billing.VersionID("g1"), version)

	// nothing changed
	summary, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeSkippedUpToDate, feb: OutcomeSkippedUpToDate}, outcomes(summary))
	assert.Equal(t, StatusSuccess, summary.Status())

	// January is regenerated with fewer rows
	e.publish(jan, "g2", 1)
	summary, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeLoaded, feb: OutcomeSkippedUpToDate}, outcomes(summary))
	assert.Equal(t, billing.VersionID("g2"), summary.Results[0].Version)
	assert.Equal(t, int64(1), countRows(t, dest, "acct_1_2024_01"))
	assert.Equal(t, int64(3), countRows(t, dest, "acct_1_all"))

	history, err := store.History(ctx, keyFor(jan))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, billing.VersionID("g2"), history[0].Version)
	assert.Equal(t, billing.VersionID("g1"), history[1].Version)

	tables, err := dest.Tables(ctx, "acct_1_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acct_1_2024_01", "acct_1_2024_02"}, tables)
}

func TestRunUpToDateMakesNoWrites(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 2)

	store := state.NewMemoryStore(nil)
	_, err := newTestCoordinator(t, Config{UnifiedView: "acct_1_all"}, e.locator(), store, newTestDuckDB(t), e.bucket).Run(ctx)
	require.NoError(t, err)

	// any destination call fails the test
	ctrl := gomock.NewController(t)
	dest := destmock.NewMockDestination(ctrl)
	summary, err := newTestCoordinator(t, Config{UnifiedView: "acct_1_all"}, e.locator(), store, dest, e.bucket).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeSkippedUpToDate}, outcomes(summary))
	assert.Empty(t, summary.UnifiedViewError)

	history, err := store.History(ctx, keyFor(jan))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRunForceReloads(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 2)

	store := state.NewMemoryStore(nil)
	dest := newTestDuckDB(t)
	_, err := newTestCoordinator(t, Config{}, e.locator(), store, dest, e.bucket).Run(ctx)
	require.NoError(t, err)

	summary, err := newTestCoordinator(t, Config{Force: true}, e.locator(), store, dest, e.bucket).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, summary.Results[0].Outcome)
	assert.Equal(t, int64(2), countRows(t, dest, "acct_1_2024_01"))

	history, err := store.History(ctx, keyFor(jan))
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRunPeriodRange(t *testing.T) {
	e := newExport(t)
	e.publish(jan, "g1", 1)
	e.publish(feb, "g1", 1)
	e.publish(mar, "g1", 1)

	c := newTestCoordinator(t, Config{Start: feb, End: feb}, e.locator(), state.NewMemoryStore(nil), newTestDuckDB(t), e.bucket)
	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{feb: OutcomeLoaded}, outcomes(summary))
}

func TestRunMalformedManifestIsIsolated(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 1)
	e.publish(feb, "g1", 1)
	e.publish(mar, "g1", 1)
	e.write(periodDir(feb)+"/acct-1-Manifest.json", []byte("{not json"))

	store := state.NewMemoryStore(nil)
	c := newTestCoordinator(t, Config{}, e.locator(), store, newTestDuckDB(t), e.bucket)
	summary, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeLoaded, feb: OutcomeFailed, mar: OutcomeLoaded}, outcomes(summary))
	assert.Equal(t, StatusPartialFailure, summary.Status())
	assert.Contains(t, summary.Results[1].Reason, billing.ErrMalformedManifest.Error())

	entry, err := store.Get(ctx, keyFor(feb))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.True(t, entry.CurrentVersion.IsZero())
}

func TestRunSkipsPeriodInProgress(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 1)
	e.publish(feb, "g1", 1)

	store := state.NewMemoryStore(nil)
	_, err := store.BeginAttempt(ctx, keyFor(jan), "g1")
	require.NoError(t, err)

	c := newTestCoordinator(t, Config{}, e.locator(), store, newTestDuckDB(t), e.bucket)
	summary, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeSkippedInProgress, feb: OutcomeLoaded}, outcomes(summary))
	assert.Equal(t, StatusSuccess, summary.Status())
}

func TestRunEmptyPeriodUsesDeclaredColumns(t *testing.T) {
	e := newExport(t)
	e.publish(jan, "g1")

	dest := newTestDuckDB(t)
	c := newTestCoordinator(t, Config{}, e.locator(), state.NewMemoryStore(nil), dest, e.bucket)
	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, OutcomeLoaded, summary.Results[0].Outcome)
	assert.Equal(t, int64(0), summary.Results[0].Rows)
	assert.Equal(t, int64(0), countRows(t, dest, "acct_1_2024_01"))
}

func TestRunRetriesUnavailableStorage(t *testing.T) {
	unavailable := billing.NewStorageError("get", "acct-1-Manifest.json", errors.New("connection reset"))
	record, err := billing.NewManifestRecord("acct-1", jan, "g1", []string{}, []billing.Column{{Category: "lineItem", Name: "UnblendedCost"}})
	require.NoError(t, err)

	tests := map[string]struct {
		failures    int
		wantOutcome Outcome
		wantCalls   int
		wantStatus  state.Status
	}{
		"recovers": {
			failures:    2,
			wantOutcome: OutcomeLoaded,
			wantCalls:   3,
			wantStatus:  state.StatusCompleted,
		},
		"exhausted": {
			failures:    5,
			wantOutcome: OutcomeFailed,
			wantCalls:   3,
			wantStatus:  state.StatusFailed,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			locator := locatormock.NewMockManifestLocator(ctrl)
			locator.EXPECT().Export().Return("acct-1").AnyTimes()
			locator.EXPECT().ListPeriods(gomock.Any(), gomock.Any(), gomock.Any()).Return([]billing.Period{jan}, nil)
			calls := 0
			locator.EXPECT().ResolveCurrent(gomock.Any(), jan).DoAndReturn(func(context.Context, billing.Period) (*billing.ManifestRecord, error) {
				calls++
				if calls <= tt.failures {
					return nil, unavailable
				}
				return record, nil
			}).AnyTimes()

			store := state.NewMemoryStore(nil)
			c := newTestCoordinator(t, Config{}, locator, store, newTestDuckDB(t), newExport(t).bucket)
			summary, err := c.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, summary.Results[0].Outcome)
			assert.Equal(t, tt.wantCalls, calls)

			entry, err := store.Get(context.Background(), keyFor(jan))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, entry.Status)
		})
	}
}

func TestRunSwapFailureKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	e := newExport(t)
	e.publish(jan, "g1", 2)

	store := state.NewMemoryStore(nil)
	_, err := newTestCoordinator(t, Config{}, e.locator(), store, newTestDuckDB(t), e.bucket).Run(ctx)
	require.NoError(t, err)
	e.publish(jan, "g2", 3)

	ctrl := gomock.NewController(t)
	dest := destmock.NewMockDestination(ctrl)
	var staging string
	dest.EXPECT().CreateTable(gomock.Any(), gomock.Any(), []string{"lineitem_usagestartdate", "lineitem_unblendedcost"}).
		DoAndReturn(func(_ context.Context, table string, _ []string) error {
			staging = table
			return nil
		})
	dest.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, table string, r parser.Reader) (int64, error) {
			assert.Equal(t, staging, table)
			records, err := parser.ReadAll(r)
			return int64(len(records)), err
		})
	dest.EXPECT().Swap(gomock.Any(), "acct_1_2024_01", gomock.Any()).Return(errors.New("rename failed"))
	dest.EXPECT().DropTable(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, table string) error {
		assert.Equal(t, staging, table)
		return nil
	})

	summary, err := newTestCoordinator(t, Config{}, e.locator(), store, dest, e.bucket).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, summary.Results[0].Outcome)
	assert.Contains(t, summary.Results[0].Reason, "rename failed")
	assert.Equal(t, StatusFailure, summary.Status())
	assert.True(t, strings.HasPrefix(staging, "acct_1_2024_01_staging_"))

	entry, err := store.Get(ctx, keyFor(jan))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.Equal(t, billing.VersionID("g1"), entry.CurrentVersion)
	require.NotNil(t, entry.LastAttempt)
	assert.Equal(t, billing.VersionID("g2"), entry.LastAttempt.Version)
}

func TestRunCancelledDuringLoad(t *testing.T) {
	e := newExport(t)
	e.publish(jan, "g1", 2)
	e.publish(feb, "g1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := gomock.NewController(t)
	dest := destmock.NewMockDestination(ctrl)
	dest.EXPECT().CreateTable(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	dest.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ parser.Reader) (int64, error) {
			cancel()
			return 0, ctx.Err()
		})
	dest.EXPECT().DropTable(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ string) error {
		// rollback runs on a context which outlives the run
		assert.NoError(t, ctx.Err())
		return nil
	})

	store := state.NewMemoryStore(nil)
	summary, err := newTestCoordinator(t, Config{}, e.locator(), store, dest, e.bucket).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[billing.Period]Outcome{jan: OutcomeCancelled, feb: OutcomeCancelled}, outcomes(summary))
	assert.Equal(t, StatusFailure, summary.Status())

	entry, err := store.Get(context.Background(), keyFor(jan))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, entry.Status)
	require.NotNil(t, entry.LastAttempt)
	assert.Contains(t, entry.LastAttempt.ErrorMessage, "cancelled")

	// February was never started
	history, err := store.History(context.Background(), keyFor(feb))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunAbortsWhenAttemptVanishes(t *testing.T) {
	e := newExport(t)
	e.publish(jan, "g1", 1)

	ctrl := gomock.NewController(t)
	store := statemock.NewMockStore(ctrl)
	h := state.Handle{AttemptID: "a1", Key: keyFor(jan), Version: "g1"}
	store.EXPECT().Get(gomock.Any(), keyFor(jan)).Return(state.Entry{Key: keyFor(jan), Status: state.StatusNotStarted}, nil)
	store.EXPECT().BeginAttempt(gomock.Any(), keyFor(jan), billing.VersionID("g1")).Return(h, nil)
	store.EXPECT().CompleteAttempt(gomock.Any(), h, int64(1), int64(1)).
		Return(fmt.Errorf("attempt a1: %w", billing.ErrNoActiveAttempt))

	c := newTestCoordinator(t, Config{UnifiedView: "acct_1_all"}, e.locator(), store, newTestDuckDB(t), e.bucket)
	summary, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrNoActiveAttempt))
	require.NotNil(t, summary)
	assert.Equal(t, OutcomeFailed, summary.Results[0].Outcome)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	e := newExport(t)
	c := newTestCoordinator(t, Config{}, e.locator(), state.NewMemoryStore(nil), newTestDuckDB(t), e.bucket)
	c.running.Lock()
	defer c.running.Unlock()

	_, err := c.Run(context.Background())
	assert.Equal(t, ErrRunInProgress, err)
}

func TestNewRejectsMismatchedExport(t *testing.T) {
	e := newExport(t)
	_, err := New(Config{Export: "acct-2"}, e.locator(), state.NewMemoryStore(nil), newTestDuckDB(t), e.bucket, testLogger)
	assert.Error(t, err)
}
