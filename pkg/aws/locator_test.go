package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore/s3test"
)

var testLogger = logrus.New()

func putJSON(t *testing.T, b *blob.Bucket, key string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, b.WriteAll(context.Background(), key, data, nil))
}

func flatManifest(assemblyID, period string, keys ...string) map[string]interface{} {
	p := billing.MustParsePeriod(period)
	if keys == nil {
		keys = []string{}
	}
	return map[string]interface{}{
		"assemblyId": assemblyID,
		"columns": []map[string]string{
			{"category": "lineItem", "name": "UsageStartDate", "type": "DateTime"},
			{"category": "lineItem", "name": "UnblendedCost", "type": "BigDecimal"},
		},
		"billingPeriod": map[string]string{
			"start": p.Start().Format(manifestTime),
			"end":   p.End().Format(manifestTime),
		},
		"reportKeys": keys,
	}
}

func newFlatLocator(t *testing.T, b *blob.Bucket) *Locator {
	l, err := NewLocator(objectstore.NewBlobBucket(b), LocatorConfig{
		Bucket: "billing",
		Prefix: "/cur/",
		Export: "acct-1",
		Layout: LayoutFlat,
	}, testLogger)
	require.NoError(t, err)
	return l
}

func TestNewLocatorValidation(t *testing.T) {
	b := objectstore.NewBlobBucket(memblob.OpenBucket(nil))
	_, err := NewLocator(b, LocatorConfig{Export: "acct-1", Layout: "guess"}, testLogger)
	assert.Error(t, err)
	_, err = NewLocator(b, LocatorConfig{Layout: LayoutFlat}, testLogger)
	assert.Error(t, err)
}

func TestLocatorListPeriods(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	for _, period := range []string{"2024-03", "2024-01", "2024-02"} {
		p := billing.MustParsePeriod(period)
		dir := fmt.Sprintf("cur/acct-1/%s-%s", p.Start().Format(BillingDateFormat), p.End().Format(BillingDateFormat))
		putJSON(t, b, dir+"/acct-1-Manifest.json", flatManifest("g1", period, dir+"/g1/acct-1-1.csv.gz"))
		putJSON(t, b, dir+"/g1/acct-1-Manifest.json", flatManifest("g1", period, dir+"/g1/acct-1-1.csv.gz"))
		require.NoError(t, b.WriteAll(ctx, dir+"/g1/acct-1-1.csv.gz", []byte("x"), nil))
	}
	// other exports sharing the prefix are ignored
	putJSON(t, b, "cur/acct-10/20240101-20240201/acct-10-Manifest.json", flatManifest("g1", "2024-01"))

	l := newFlatLocator(t, b)

	tests := map[string]struct {
		start, end string
		expected   []string
	}{
		"unbounded":  {expected: []string{"2024-01", "2024-02", "2024-03"}},
		"from feb":   {start: "2024-02", expected: []string{"2024-02", "2024-03"}},
		"until feb":  {end: "2024-02", expected: []string{"2024-01", "2024-02"}},
		"single":     {start: "2024-02", end: "2024-02", expected: []string{"2024-02"}},
		"outside":    {start: "2025-01", expected: nil},
		"full range": {start: "2023-01", end: "2025-01", expected: []string{"2024-01", "2024-02", "2024-03"}},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			var start, end billing.Period
			if test.start != "" {
				start = billing.MustParsePeriod(test.start)
			}
			if test.end != "" {
				end = billing.MustParsePeriod(test.end)
			}
			periods, err := l.ListPeriods(ctx, start, end)
			require.NoError(t, err)
			var got []string
			for _, p := range periods {
				got = append(got, p.String())
			}
			assert.Equal(t, test.expected, got)
		})
	}
}

func TestLocatorResolveCurrentFollowsPointer(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	dir := "cur/acct-1/20240101-20240201"

	// The current generation lives in a directory which sorts before an
	// older one, so picking the "latest" directory by name would be wrong.
	current := []string{dir + "/0a-current/acct-1-1.csv.gz", dir + "/0a-current/acct-1-2.csv.gz"}
	putJSON(t, b, dir+"/acct-1-Manifest.json", flatManifest("g2", "2024-01", current...))
	putJSON(t, b, dir+"/0a-current/acct-1-Manifest.json", flatManifest("g2", "2024-01", current...))
	putJSON(t, b, dir+"/zz-stale/acct-1-Manifest.json", flatManifest("g1", "2024-01", dir+"/zz-stale/acct-1-1.csv.gz"))

	l := newFlatLocator(t, b)
	record, err := l.ResolveCurrent(ctx, billing.MustParsePeriod("2024-01"))
	require.NoError(t, err)

	assert.Equal(t, billing.VersionID("g2"), record.Version)
	assert.Equal(t, "acct-1", record.Export)
	assert.Equal(t, current, record.Files)
	assert.Equal(t, dir+"/acct-1-Manifest.json", record.PointerKey)
	assert.Equal(t, dir+"/0a-current/acct-1-Manifest.json", record.ManifestKey)
	assert.Equal(t, []string{"lineitem_usagestartdate", "lineitem_unblendedcost"}, record.ColumnNames())
	assert.False(t, record.PublishedAt.IsZero())
}

func TestLocatorResolveCurrentOverwriteMode(t *testing.T) {
	b := memblob.OpenBucket(nil)
	dir := "cur/acct-1/20240101-20240201"
	putJSON(t, b, dir+"/acct-1-Manifest.json", flatManifest("g1", "2024-01", dir+"/acct-1-1.csv.gz"))

	record, err := newFlatLocator(t, b).ResolveCurrent(context.Background(), billing.MustParsePeriod("2024-01"))
	require.NoError(t, err)
	assert.Equal(t, record.PointerKey, record.ManifestKey)
	assert.Equal(t, []string{dir + "/acct-1-1.csv.gz"}, record.Files)
}

func TestLocatorResolveCurrentEmptyPeriod(t *testing.T) {
	b := memblob.OpenBucket(nil)
	dir := "cur/acct-1/20240101-20240201"
	putJSON(t, b, dir+"/acct-1-Manifest.json", flatManifest("g1", "2024-01"))
	putJSON(t, b, dir+"/g1/acct-1-Manifest.json", flatManifest("g1", "2024-01"))

	record, err := newFlatLocator(t, b).ResolveCurrent(context.Background(), billing.MustParsePeriod("2024-01"))
	require.NoError(t, err)
	assert.Empty(t, record.Files)
	assert.Equal(t, dir+"/g1/acct-1-Manifest.json", record.ManifestKey)
}

func TestLocatorResolveCurrentErrors(t *testing.T) {
	dir := "cur/acct-1/20240101-20240201"
	pointer := dir + "/acct-1-Manifest.json"
	gen := dir + "/g1/acct-1-Manifest.json"
	files := []string{dir + "/g1/acct-1-1.csv.gz"}

	tests := map[string]struct {
		objects     map[string]interface{}
		expectedErr error
	}{
		"no pointer": {
			objects:     map[string]interface{}{},
			expectedErr: billing.ErrNotFound,
		},
		"empty version": {
			objects:     map[string]interface{}{pointer: flatManifest("", "2024-01", files...)},
			expectedErr: billing.ErrMalformedManifest,
		},
		"dangling pointer": {
			objects:     map[string]interface{}{pointer: flatManifest("g1", "2024-01", files...)},
			expectedErr: billing.ErrMalformedManifest,
		},
		"version mismatch": {
			objects: map[string]interface{}{
				pointer: flatManifest("g1", "2024-01", files...),
				gen:     flatManifest("g0", "2024-01", files...),
			},
			expectedErr: billing.ErrMalformedManifest,
		},
		"wrong period": {
			objects:     map[string]interface{}{pointer: flatManifest("g1", "2023-11", files...)},
			expectedErr: billing.ErrMalformedManifest,
		},
		"missing report keys": {
			objects:     map[string]interface{}{pointer: map[string]interface{}{"assemblyId": "g1"}},
			expectedErr: billing.ErrMalformedManifest,
		},
		"files in several directories": {
			objects: map[string]interface{}{
				pointer: flatManifest("g1", "2024-01", dir+"/g1/a.csv.gz", dir+"/g2/b.csv.gz"),
			},
			expectedErr: billing.ErrMalformedManifest,
		},
		"generation without files": {
			objects: map[string]interface{}{
				pointer: flatManifest("g1", "2024-01", files...),
				gen:     map[string]interface{}{"assemblyId": "g1"},
			},
			expectedErr: billing.ErrMalformedManifest,
		},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			b := memblob.OpenBucket(nil)
			for key, v := range test.objects {
				putJSON(t, b, key, v)
			}
			_, err := newFlatLocator(t, b).ResolveCurrent(context.Background(), billing.MustParsePeriod("2024-01"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, test.expectedErr), "expected %v, got %v", test.expectedErr, err)
		})
	}
}

func TestLocatorPartitioned(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	meta := "exports/acct-1/metadata/BILLING_PERIOD=2024-02"
	files := []string{
		"s3://billing/exports/acct-1/data/BILLING_PERIOD=2024-02/2024-02-10T000000Z/acct-1-00001.snappy.parquet",
		"s3://billing/exports/acct-1/data/BILLING_PERIOD=2024-02/2024-02-10T000000Z/acct-1-00002.snappy.parquet",
	}
	manifest := map[string]interface{}{
		"executionId": "exec-7",
		"dataFiles":   files,
		"columns":     []map[string]string{{"name": "line_item_unblended_cost", "type": "decimal"}},
	}
	putJSON(t, b, meta+"/acct-1-Manifest.json", manifest)
	putJSON(t, b, meta+"/2024-02-10T000000Z/acct-1-Manifest.json", manifest)

	l, err := NewLocator(objectstore.NewBlobBucket(b), LocatorConfig{
		Bucket: "billing",
		Prefix: "exports",
		Export: "acct-1",
		Layout: LayoutPartitioned,
	}, testLogger)
	require.NoError(t, err)

	periods, err := l.ListPeriods(ctx, billing.Period{}, billing.Period{})
	require.NoError(t, err)
	assert.Equal(t, []billing.Period{billing.MustParsePeriod("2024-02")}, periods)

	record, err := l.ResolveCurrent(ctx, billing.MustParsePeriod("2024-02"))
	require.NoError(t, err)
	assert.Equal(t, billing.VersionID("exec-7"), record.Version)
	assert.Equal(t, meta+"/2024-02-10T000000Z/acct-1-Manifest.json", record.ManifestKey)
	assert.Equal(t, []string{
		"exports/acct-1/data/BILLING_PERIOD=2024-02/2024-02-10T000000Z/acct-1-00001.snappy.parquet",
		"exports/acct-1/data/BILLING_PERIOD=2024-02/2024-02-10T000000Z/acct-1-00002.snappy.parquet",
	}, record.Files)
	assert.Equal(t, []string{"line_item_unblended_cost"}, record.ColumnNames())
}

func TestLocatorStorageUnavailable(t *testing.T) {
	mock := s3test.NewMockS3()
	mock.NewBucket("billing")
	pointer := "cur/acct-1/20240101-20240201/acct-1-Manifest.json"
	mock.Put("billing", pointer, []byte(`{}`), time.Now())
	mock.SetError(pointer, fmt.Errorf("RequestTimeout"))
	mock.SetError("cur/acct-1/", fmt.Errorf("AccessDenied"))

	l, err := NewLocator(objectstore.NewS3Bucket(mock, "billing"), LocatorConfig{
		Bucket: "billing",
		Prefix: "cur",
		Export: "acct-1",
		Layout: LayoutFlat,
	}, testLogger)
	require.NoError(t, err)

	_, err = l.ResolveCurrent(context.Background(), billing.MustParsePeriod("2024-01"))
	assert.True(t, billing.IsRetryable(err), "got %v", err)

	_, err = l.ListPeriods(context.Background(), billing.Period{}, billing.Period{})
	assert.True(t, billing.IsRetryable(err), "got %v", err)
}
