package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Bucket is the read-only view of object storage used by ingestion. A
// missing object is reported as billing.ErrNotFound; every other failure is
// a *billing.StorageError.
type Bucket interface {
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Get opens the object for streaming. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Close() error
}

// KeyFromLocation converts a data file reference into a key of bucket.
// References are either plain keys or s3:// URIs, which must point into
// the same bucket.
func KeyFromLocation(bucket, location string) (string, error) {
	if !strings.Contains(location, "://") {
		return strings.TrimPrefix(location, "/"), nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	switch u.Scheme {
	case "s3", "s3a", "gs":
	default:
		return "", fmt.Errorf("unsupported location scheme %q in %q", u.Scheme, location)
	}
	if bucket != "" && u.Host != bucket {
		return "", fmt.Errorf("location %q is outside bucket %q", location, bucket)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("location %q has no key", location)
	}
	return key, nil
}

func notFound(key string) error {
	return fmt.Errorf("object %s: %w", key, billing.ErrNotFound)
}
