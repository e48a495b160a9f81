package objectstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

const (
	// defaultS3Region is used when no region is configured.
	defaultS3Region = "us-east-1"

	// maxS3Keys is the maximum amount of keys to be returned by a single S3
	// list objects API response
	maxS3Keys = 1000
)

type s3Bucket struct {
	s3API  s3iface.S3API
	bucket string
}

// NewS3Bucket returns a Bucket backed by the given S3 API client.
func NewS3Bucket(s3API s3iface.S3API, bucket string) Bucket {
	return &s3Bucket{s3API: s3API, bucket: bucket}
}

func newS3Client(cfg Config) (s3iface.S3API, error) {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	awsCfg := aws.NewConfig().WithRegion(region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

func (b *s3Bucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	pageFn := func(out *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range out.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	}
	err := b.s3API.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(maxS3Keys),
	}, pageFn)
	if err != nil {
		return nil, translateS3Error("list", prefix, err)
	}
	return objects, nil
}

func (b *s3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.s3API.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error("get", key, err)
	}
	return obj.Body, nil
}

func (b *s3Bucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := b.s3API.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, translateS3Error("stat", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

func (b *s3Bucket) Close() error {
	return nil
}

func translateS3Error(op, key string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return notFound(key)
		}
	}
	return billing.NewStorageError(op, key, err)
}
