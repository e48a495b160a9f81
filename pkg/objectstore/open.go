package objectstore

import (
	"context"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

const (
	BackendS3    = "s3"
	BackendBlob  = "blob"
	BackendMinio = "minio"
)

// Config selects and configures an object storage backend.
type Config struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=s3 blob minio"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	// Endpoint overrides the service endpoint for S3 compatible stores.
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	SessionToken    string `yaml:"sessionToken"`
	UseSSL          bool   `yaml:"useSSL"`
	// URL is a gocloud.dev bucket URL, only used by the blob backend. When
	// empty it is derived from Bucket, Region and Endpoint.
	URL string `yaml:"url"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// Open returns the configured bucket, wrapped with rate limiting when
// requested.
func Open(ctx context.Context, cfg Config, logger log.FieldLogger) (Bucket, error) {
	var (
		b   Bucket
		err error
	)
	switch cfg.Backend {
	case BackendS3, "":
		client, cerr := newS3Client(cfg)
		if cerr != nil {
			return nil, billing.NewStorageError("open", cfg.Bucket, cerr)
		}
		b = NewS3Bucket(client, cfg.Bucket)
	case BackendBlob:
		b, err = OpenBlobBucket(ctx, cfg.blobURL())
	case BackendMinio:
		b, err = NewMinioBucket(cfg)
	default:
		return nil, fmt.Errorf("unknown object storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"backend": cfg.Backend,
		"bucket":  cfg.Bucket,
	}).Debugf("opened object storage")
	return NewRateLimited(b, cfg.RequestsPerSecond, cfg.Burst), nil
}

func (cfg Config) blobURL() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	params := url.Values{}
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	u := fmt.Sprintf("s3://%s", cfg.Bucket)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
