package objectstore

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedBucket paces requests to the wrapped bucket with a token
// bucket. It is safe for concurrent use.
type rateLimitedBucket struct {
	Bucket
	limiter *rate.Limiter
}

// NewRateLimited wraps b so that at most rps requests per second are issued,
// with bursts of up to burst requests. A non-positive rps disables limiting.
func NewRateLimited(b Bucket, rps float64, burst int) Bucket {
	if rps <= 0 {
		return b
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedBucket{
		Bucket:  b,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (b *rateLimitedBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.Bucket.List(ctx, prefix)
}

func (b *rateLimitedBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.Bucket.Get(ctx, key)
}

func (b *rateLimitedBucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return ObjectInfo{}, err
	}
	return b.Bucket.Stat(ctx, key)
}
