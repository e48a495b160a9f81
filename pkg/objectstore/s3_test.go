package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore/s3test"
)

func TestS3Bucket(t *testing.T) {
	ctx := context.Background()
	modified := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	mock := s3test.NewMockS3()
	mock.NewBucket("billing")
	mock.Put("billing", "cur/acct/a.json", []byte(`{"a":1}`), modified)
	mock.Put("billing", "cur/acct/b.json", []byte(`{}`), modified)
	mock.Put("billing", "other/c.json", []byte(`{}`), modified)

	b := &s3Bucket{s3API: mock, bucket: "billing"}

	objects, err := b.List(ctx, "cur/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "cur/acct/a.json", objects[0].Key)
	assert.Equal(t, int64(7), objects[0].Size)
	assert.Equal(t, modified, objects[0].LastModified)

	r, err := b.Get(ctx, "cur/acct/a.json")
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := b.Stat(ctx, "cur/acct/b.json")
	require.NoError(t, err)
	assert.Equal(t, modified, info.LastModified)
}

func TestS3BucketErrors(t *testing.T) {
	ctx := context.Background()
	mock := s3test.NewMockS3()
	mock.NewBucket("billing")
	mock.Put("billing", "flaky.json", []byte(`{}`), time.Now())
	mock.SetError("flaky.json", fmt.Errorf("connection reset by peer"))
	b := NewS3Bucket(mock, "billing")

	_, err := b.Get(ctx, "missing.json")
	assert.True(t, errors.Is(err, billing.ErrNotFound), "get of a missing key should be not found: %v", err)

	_, err = b.Stat(ctx, "missing.json")
	assert.True(t, errors.Is(err, billing.ErrNotFound), "stat of a missing key should be not found: %v", err)

	_, err = b.Get(ctx, "flaky.json")
	assert.True(t, billing.IsRetryable(err))
	assert.False(t, errors.Is(err, billing.ErrNotFound))

	_, err = NewS3Bucket(mock, "nonexistent").List(ctx, "")
	assert.True(t, billing.IsRetryable(err))
}

func TestS3BucketListPaginates(t *testing.T) {
	mock := s3test.NewMockS3()
	for i := 0; i < maxS3Keys+5; i++ {
		mock.Put("billing", fmt.Sprintf("k/%05d", i), nil, time.Now())
	}
	objects, err := NewS3Bucket(mock, "billing").List(context.Background(), "k/")
	require.NoError(t, err)
	assert.Len(t, objects, maxS3Keys+5)
}
