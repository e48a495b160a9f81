package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/config"
)

func addGlobalFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.String("config", "", "path to the YAML configuration file")
	fs.String("log-level", "", "log level, overrides log.level")
	fs.String("log-format", "", "log format, text or json")
	fs.Bool("log-queries", false, "log every SQL statement sent to the state store and destination")
	fs.Bool("json", false, "print results as JSON")

	fs.String("export", "", "name of the billing export")
	fs.String("prefix", "", "key prefix the export is written under")
	fs.String("layout", "", "manifest layout of the export, flat or partitioned")
	fs.String("bucket", "", "bucket the export is written to")
	fs.String("storage-backend", "", "object storage backend, s3, blob or minio")
	fs.String("storage-region", "", "object storage region")
	fs.String("storage-endpoint", "", "object storage endpoint for S3 compatible stores")

	fs.String("state-driver", "", "load state store, memory, sqlite, postgres or redis")
	fs.String("state-dsn", "", "load state store file, connection string or URL")

	fs.String("destination", "", "destination database, duckdb or presto")
	fs.String("duckdb-path", "", "DuckDB database file")
	fs.String("presto-host", "", "the hostname:port for connecting to Presto")
	fs.String("hive-dsn", "", "if set, table DDL is run through Hive at this DSN")
}

func addPeriodRangeFlags(fs *pflag.FlagSet) {
	fs.String("start", "", "first billing period to consider, YYYY-MM")
	fs.String("end", "", "last billing period to consider, YYYY-MM")
}

// loadConfig reads the configuration file and applies every flag which was
// set on the command line or through the environment.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	strFlags := map[string]*string{
		"log-level":        &cfg.Log.Level,
		"log-format":       &cfg.Log.Format,
		"export":           &cfg.Export.Name,
		"prefix":           &cfg.Export.Prefix,
		"layout":           &cfg.Export.Layout,
		"bucket":           &cfg.Storage.Bucket,
		"storage-backend":  &cfg.Storage.Backend,
		"storage-region":   &cfg.Storage.Region,
		"storage-endpoint": &cfg.Storage.Endpoint,
		"state-driver":     &cfg.State.Driver,
		"state-dsn":        &cfg.State.DSN,
		"destination":      &cfg.Destination.Driver,
		"duckdb-path":      &cfg.Destination.DuckDBPath,
		"presto-host":      &cfg.Destination.PrestoHost,
		"hive-dsn":         &cfg.Destination.HiveDSN,
		"schedule":         &cfg.Run.Schedule,
		"listen":           &cfg.Server.Listen,
	}
	for name, dst := range strFlags {
		if fs.Lookup(name) != nil && fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}

	if fs.Changed("log-queries") {
		logQueries, _ := fs.GetBool("log-queries")
		cfg.State.LogQueries = logQueries
		cfg.Destination.LogQueries = logQueries
	}
	if fs.Lookup("force") != nil && fs.Changed("force") {
		cfg.Export.Force, _ = fs.GetBool("force")
	}
	if fs.Lookup("concurrency") != nil && fs.Changed("concurrency") {
		cfg.Run.Concurrency, _ = fs.GetInt("concurrency")
	}
	for name, dst := range map[string]*billing.Period{"start": &cfg.Export.Start, "end": &cfg.Export.End} {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		val, _ := fs.GetString(name)
		p, err := billing.ParsePeriod(val)
		if err != nil {
			return cfg, err
		}
		*dst = p
	}

	return cfg, cfg.Validate()
}
