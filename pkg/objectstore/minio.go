package objectstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// minioBucket talks to S3 compatible endpoints such as MinIO, Ceph or R2.
type minioBucket struct {
	client *minio.Client
	bucket string
}

func NewMinioBucket(cfg Config) (Bucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, billing.NewStorageError("open", cfg.Endpoint, err)
	}
	return &minioBucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *minioBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, translateMinioError("list", prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

func (b *minioBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError("get", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translateMinioError("get", key, err)
	}
	return obj, nil
}

func (b *minioBucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateMinioError("stat", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (b *minioBucket) Close() error {
	return nil
}

func translateMinioError(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return notFound(key)
	}
	return billing.NewStorageError(op, key, err)
}
