package objectstore

import (
	"context"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// blobBucket reads from any bucket reachable through a gocloud.dev URL,
// e.g. s3://bucket?region=us-east-1, gs://bucket or file:///var/exports.
type blobBucket struct {
	bucket *blob.Bucket
}

// OpenBlobBucket opens the bucket at the given gocloud.dev URL.
func OpenBlobBucket(ctx context.Context, bucketURL string) (Bucket, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, billing.NewStorageError("open", bucketURL, err)
	}
	return NewBlobBucket(b), nil
}

func NewBlobBucket(b *blob.Bucket) Bucket {
	return &blobBucket{bucket: b}
}

func (b *blobBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, translateBlobError("list", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.ModTime,
		})
	}
	return objects, nil
}

func (b *blobBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, translateBlobError("get", key, err)
	}
	return r, nil
}

func (b *blobBucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := b.bucket.Attributes(ctx, key)
	if err != nil {
		return ObjectInfo{}, translateBlobError("stat", key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, LastModified: attrs.ModTime}, nil
}

func (b *blobBucket) Close() error {
	return b.bucket.Close()
}

func translateBlobError(op, key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return notFound(key)
	}
	return billing.NewStorageError(op, key, err)
}
