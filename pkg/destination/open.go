package destination

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kube-reporting/billing-ingest/pkg/db"
	"github.com/kube-reporting/billing-ingest/pkg/hive"
	"github.com/kube-reporting/billing-ingest/pkg/presto"
)

const (
	DriverDuckDB = "duckdb"
	DriverPresto = "presto"

	connBackoff    = time.Second
	maxConnRetries = 5
)

type Config struct {
	Driver string `yaml:"driver" validate:"required,oneof=duckdb presto"`
	// DuckDBPath is the database file; empty means in-memory.
	DuckDBPath string `yaml:"duckdbPath"`

	PrestoHost     string            `yaml:"prestoHost" validate:"required_if=Driver presto"`
	PrestoUser     string            `yaml:"prestoUser"`
	Catalog        string            `yaml:"catalog"`
	Schema         string            `yaml:"schema"`
	MaxQueryLength int               `yaml:"maxQueryLength" validate:"gte=0"`
	Properties     map[string]string `yaml:"tableProperties"`
	// HiveDSN routes table DDL through Hive, e.g. hive://hive@hive-server:10000.
	HiveDSN        string `yaml:"hiveDSN"`
	HiveFileFormat string `yaml:"hiveFileFormat"`
	// HiveBucket and HivePrefix place hive tables under
	// s3a://<bucket>/<prefix>/<table>/.
	HiveBucket string `yaml:"hiveBucket"`
	HivePrefix string `yaml:"hivePrefix"`

	TableTemplate string `yaml:"tableTemplate"`
	UnifiedView   string `yaml:"unifiedView"`
	LogQueries    bool   `yaml:"logQueries"`
}

func (cfg Config) prestoDSN() string {
	user := cfg.PrestoUser
	if user == "" {
		user = "billing-ingest"
	}
	q := url.Values{}
	q.Set("catalog", cfg.Catalog)
	q.Set("schema", cfg.Schema)
	u := url.URL{
		Scheme:   "http",
		User:     url.User(user),
		Host:     cfg.PrestoHost,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open connects to the destination configured by cfg.
func Open(ctx context.Context, cfg Config, logger log.FieldLogger) (Destination, error) {
	switch cfg.Driver {
	case DriverDuckDB:
		return NewDuckDB(cfg.DuckDBPath, logger, cfg.LogQueries)
	case DriverPresto:
		if cfg.Catalog == "" {
			cfg.Catalog = "hive"
		}
		if cfg.Schema == "" {
			cfg.Schema = "default"
		}
		prestoConn, err := presto.NewPrestoConnWithRetry(ctx, logger, cfg.prestoDSN(), connBackoff, maxConnRetries)
		if err != nil {
			return nil, err
		}
		closers := []io.Closer{prestoConn}
		queryer := db.NewLoggingQueryExecer(prestoConn, logger, cfg.LogQueries)

		var hiveLocation string
		if cfg.HiveBucket != "" {
			loc, err := hive.S3Location(cfg.HiveBucket, cfg.HivePrefix)
			if err != nil {
				prestoConn.Close()
				return nil, fmt.Errorf("invalid hive table location: %w", err)
			}
			hiveLocation = loc
		}

		var hiveExecer db.Execer
		if cfg.HiveDSN != "" {
			hiveConn, err := hive.Connect(ctx, logger, cfg.HiveDSN, connBackoff, maxConnRetries)
			if err != nil {
				prestoConn.Close()
				return nil, err
			}
			closers = append(closers, hiveConn)
			hiveExecer = hive.NewReconnectingExecer(db.NewLoggingQueryExecer(hiveConn, logger, cfg.LogQueries), logger, maxConnRetries)
			if err := hive.ExecuteCreateDatabase(ctx, hiveExecer, hive.DatabaseParameters{Name: cfg.Schema}); err != nil {
				for _, c := range closers {
					c.Close()
				}
				return nil, fmt.Errorf("creating hive database %s: %w", cfg.Schema, err)
			}
		}
		return NewPresto(queryer, hiveExecer, PrestoConfig{
			Catalog:         cfg.Catalog,
			Schema:          cfg.Schema,
			MaxQueryLength:  cfg.MaxQueryLength,
			TableProperties: cfg.Properties,
			HiveFileFormat:  cfg.HiveFileFormat,
			HiveLocation:    hiveLocation,
		}, logger, closers...), nil
	default:
		return nil, fmt.Errorf("unknown destination driver %q", cfg.Driver)
	}
}
