package ingest

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
)

const DefaultVendor = "aws"

// DefaultRetry is used for manifest resolution when Config.Retry has no
// steps.
var DefaultRetry = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    3,
}

// Config is the per-run configuration of a Coordinator.
type Config struct {
	Vendor string
	Export string
	// Start and End bound the periods considered, inclusive. Zero values
	// leave the range open.
	Start billing.Period
	End   billing.Period
	// Force reloads periods even when their current version is loaded.
	Force bool
	// Concurrency is the number of periods loaded at once.
	Concurrency int
	// Retry bounds the retries of transient storage failures while
	// resolving manifests.
	Retry wait.Backoff
	// Format overrides format detection from file names.
	Format parser.Format
	// TableTemplate renders canonical table names.
	TableTemplate string
	// UnifiedView, when set, names a view over every loaded period which is
	// refreshed after each run.
	UnifiedView string
}

func (c *Config) setDefaults() {
	if c.Vendor == "" {
		c.Vendor = DefaultVendor
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Retry.Steps < 1 {
		c.Retry = DefaultRetry
	}
}

// Validate reports configuration errors which must stop a run before any
// work is done.
func (c Config) Validate() error {
	if c.Export == "" {
		return fmt.Errorf("export name must be set")
	}
	if !c.Start.IsZero() && !c.End.IsZero() && c.Start.After(c.End) {
		return fmt.Errorf("start period %s is after end period %s", c.Start, c.End)
	}
	if c.Format != "" {
		if _, err := parser.DetectFormat("", c.Format); err != nil {
			return err
		}
	}
	return nil
}
