// Package config loads the billing-ingest configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kube-reporting/billing-ingest/pkg/aws"
	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/destination"
	"github.com/kube-reporting/billing-ingest/pkg/ingest"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

type Config struct {
	Export      ExportConfig       `yaml:"export"`
	Storage     objectstore.Config `yaml:"storage"`
	State       state.Config       `yaml:"state"`
	Destination destination.Config `yaml:"destination"`
	Run         RunConfig          `yaml:"run"`
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
}

type ExportConfig struct {
	Vendor string `yaml:"vendor" validate:"oneof=aws"`
	Name   string `yaml:"name" validate:"required"`
	Prefix string `yaml:"prefix"`
	Layout string `yaml:"layout" validate:"required,oneof=flat partitioned v1 v2"`
	// Format overrides detection of the data file format from file names.
	Format string         `yaml:"format" validate:"omitempty,oneof=csv parquet"`
	Start  billing.Period `yaml:"start"`
	End    billing.Period `yaml:"end"`
	Force  bool           `yaml:"force"`
}

type RunConfig struct {
	Concurrency   int           `yaml:"concurrency" validate:"gte=1"`
	RetrySteps    int           `yaml:"retrySteps" validate:"gte=1"`
	RetryDuration time.Duration `yaml:"retryDuration" validate:"gt=0"`
	RetryFactor   float64       `yaml:"retryFactor" validate:"gte=1"`
	// Schedule is a standard five field cron expression used by serve.
	Schedule string `yaml:"schedule"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

type LogConfig struct {
	Level        string `yaml:"level" validate:"oneof=panic fatal error warn warning info debug trace"`
	Format       string `yaml:"format" validate:"oneof=text json"`
	ReportCaller bool   `yaml:"reportCaller"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	return Config{
		Export: ExportConfig{
			Vendor: ingest.DefaultVendor,
			Layout: aws.LayoutFlat,
		},
		Storage: objectstore.Config{
			Backend: objectstore.BackendS3,
		},
		State: state.Config{
			Driver: state.DriverSQLite,
			DSN:    "billing-ingest.db",
		},
		Destination: destination.Config{
			Driver:     destination.DriverDuckDB,
			DuckDBPath: "billing.duckdb",
		},
		Run: RunConfig{
			Concurrency:   1,
			RetrySteps:    ingest.DefaultRetry.Steps,
			RetryDuration: ingest.DefaultRetry.Duration,
			RetryFactor:   ingest.DefaultRetry.Factor,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg, keeping the values data does not set.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks cfg for errors which must stop the program before any
// work is done.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if err := c.Ingest().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := destination.NewTableNamer(c.Destination.TableTemplate); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Run.Schedule != "" {
		if _, err := cron.ParseStandard(c.Run.Schedule); err != nil {
			return fmt.Errorf("invalid configuration: schedule %q: %v", c.Run.Schedule, err)
		}
	}
	return nil
}

// Ingest returns the coordinator configuration.
func (c Config) Ingest() ingest.Config {
	return ingest.Config{
		Vendor:      c.Export.Vendor,
		Export:      c.Export.Name,
		Start:       c.Export.Start,
		End:         c.Export.End,
		Force:       c.Export.Force,
		Concurrency: c.Run.Concurrency,
		Retry: wait.Backoff{
			Duration: c.Run.RetryDuration,
			Factor:   c.Run.RetryFactor,
			Jitter:   0.1,
			Steps:    c.Run.RetrySteps,
		},
		Format:        parser.Format(c.Export.Format),
		TableTemplate: c.Destination.TableTemplate,
		UnifiedView:   c.Destination.UnifiedView,
	}
}

// Locator returns the manifest locator configuration.
func (c Config) Locator() aws.LocatorConfig {
	return aws.LocatorConfig{
		Bucket: c.Storage.Bucket,
		Prefix: c.Export.Prefix,
		Export: c.Export.Name,
		Layout: c.Export.Layout,
	}
}

// Dump renders cfg for debug logging with credentials masked.
func (c Config) Dump() string {
	masked := c
	if masked.Storage.SecretAccessKey != "" {
		masked.Storage.SecretAccessKey = "<redacted>"
	}
	if masked.Storage.SessionToken != "" {
		masked.Storage.SessionToken = "<redacted>"
	}
	if masked.State.DSN != "" && masked.State.Driver != state.DriverSQLite {
		masked.State.DSN = "<redacted>"
	}
	return spew.Sprintf("%+v", masked)
}
