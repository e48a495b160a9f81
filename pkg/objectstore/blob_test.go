package objectstore

import (
	"context"
	"errors"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

func TestBlobBucket(t *testing.T) {
	ctx := context.Background()
	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "cur/acct/one.json", []byte("one"), nil))
	require.NoError(t, mem.WriteAll(ctx, "cur/acct/two.json", []byte("two"), nil))

	b := NewBlobBucket(mem)
	defer b.Close()

	objects, err := b.List(ctx, "cur/acct/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "cur/acct/one.json", objects[0].Key)
	assert.False(t, objects[0].LastModified.IsZero())

	r, err := b.Get(ctx, "cur/acct/two.json")
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "two", string(data))

	info, err := b.Stat(ctx, "cur/acct/one.json")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)

	_, err = b.Get(ctx, "cur/acct/three.json")
	assert.True(t, errors.Is(err, billing.ErrNotFound))
}

func TestRateLimitedBucket(t *testing.T) {
	ctx := context.Background()
	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "a", []byte("a"), nil))

	assert.Equal(t, Bucket(nil), NewRateLimited(nil, 0, 0), "rate limiting disabled returns the bucket as-is")

	b := NewRateLimited(NewBlobBucket(mem), 1000, 10)
	_, err := b.List(ctx, "")
	require.NoError(t, err)
	_, err = b.Stat(ctx, "a")
	require.NoError(t, err)

	// a single token that is already spent forces Wait to block, which a
	// cancelled context turns into an error
	slow := NewRateLimited(NewBlobBucket(mem), 0.001, 1)
	_, err = slow.Stat(ctx, "a")
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = slow.Get(cancelled, "a")
	assert.Error(t, err)
}

func TestKeyFromLocation(t *testing.T) {
	tests := map[string]struct {
		location    string
		expected    string
		expectedErr bool
	}{
		"plain key":      {location: "cur/acct/file.csv.gz", expected: "cur/acct/file.csv.gz"},
		"leading slash":  {location: "/cur/file.csv.gz", expected: "cur/file.csv.gz"},
		"s3 uri":         {location: "s3://billing/cur/data/file.parquet", expected: "cur/data/file.parquet"},
		"other bucket":   {location: "s3://elsewhere/cur/file.parquet", expectedErr: true},
		"no key":         {location: "s3://billing/", expectedErr: true},
		"unknown scheme": {location: "ftp://billing/file", expectedErr: true},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			key, err := KeyFromLocation("billing", test.location)
			if test.expectedErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, key)
		})
	}
}
