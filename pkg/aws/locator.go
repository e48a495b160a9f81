package aws

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
)

// LocatorConfig identifies one export inside a bucket.
type LocatorConfig struct {
	// Bucket is the bucket name, used to resolve s3:// data file URIs.
	Bucket string
	Prefix string
	Export string
	Layout string
}

// Locator discovers the billing periods of an export and resolves each
// period's current manifest by following its pointer manifest.
type Locator struct {
	bucket     objectstore.Bucket
	bucketName string
	export     string
	exportRoot string
	layout     Layout
	logger     log.FieldLogger
}

func NewLocator(bucket objectstore.Bucket, cfg LocatorConfig, logger log.FieldLogger) (*Locator, error) {
	layout, err := LayoutByName(cfg.Layout)
	if err != nil {
		return nil, err
	}
	if cfg.Export == "" {
		return nil, fmt.Errorf("export name must be set")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	return &Locator{
		bucket:     bucket,
		bucketName: cfg.Bucket,
		export:     cfg.Export,
		exportRoot: path.Join(prefix, cfg.Export),
		layout:     layout,
		logger: logger.WithFields(log.Fields{
			"component": "manifestLocator",
			"export":    cfg.Export,
			"layout":    layout.Name(),
		}),
	}, nil
}

func (l *Locator) Export() string {
	return l.export
}

// ListPeriods returns the periods with a pointer manifest inside the
// inclusive range [start, end], ascending. Zero bounds leave the range open.
func (l *Locator) ListPeriods(ctx context.Context, start, end billing.Period) ([]billing.Period, error) {
	objects, err := l.bucket.List(ctx, l.layout.PeriodsPrefix(l.exportRoot))
	if err != nil {
		return nil, fmt.Errorf("could not list manifests of export %s: %w", l.export, err)
	}

	seen := make(map[billing.Period]struct{})
	var periods []billing.Period
	for _, obj := range objects {
		period, ok := l.layout.PointerPeriod(l.exportRoot, l.export, obj.Key)
		if !ok || !period.Within(start, end) {
			continue
		}
		if _, dup := seen[period]; dup {
			continue
		}
		seen[period] = struct{}{}
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].Before(periods[j])
	})
	l.logger.Debugf("found %d billing periods", len(periods))
	return periods, nil
}

// ResolveCurrent reads the pointer manifest of period to learn the current
// version, then reads the generation manifest that the pointer leads to.
// It returns billing.ErrNotFound when the period has no pointer manifest.
func (l *Locator) ResolveCurrent(ctx context.Context, period billing.Period) (*billing.ManifestRecord, error) {
	pointerKey := l.layout.PointerKey(l.exportRoot, l.export, period)
	logger := l.logger.WithFields(log.Fields{"period": period.String(), "pointer": pointerKey})

	info, err := l.bucket.Stat(ctx, pointerKey)
	if err != nil {
		return nil, err
	}
	pointer, err := l.readManifest(ctx, pointerKey)
	if err != nil {
		return nil, err
	}
	version := l.layout.Version(pointer)
	if version.IsZero() {
		return nil, billing.NewMalformedManifestError(pointerKey, "version marker is empty", nil)
	}
	if err := l.checkPeriod(pointerKey, period, pointer); err != nil {
		return nil, err
	}

	manifestKey, err := l.generationKey(ctx, pointerKey, pointer)
	if err != nil {
		return nil, err
	}
	generation := pointer
	if manifestKey != pointerKey {
		generation, err = l.readManifest(ctx, manifestKey)
		if errors.Is(err, billing.ErrNotFound) {
			return nil, billing.NewMalformedManifestError(pointerKey, fmt.Sprintf("references generation manifest %s which does not exist", manifestKey), nil)
		}
		if err != nil {
			return nil, err
		}
		if got := l.layout.Version(generation); got != version {
			return nil, billing.NewMalformedManifestError(manifestKey, fmt.Sprintf("version %q does not match pointer version %q", got, version), nil)
		}
		if err := l.checkPeriod(manifestKey, period, generation); err != nil {
			return nil, err
		}
	}

	files, err := l.fileKeys(manifestKey, generation)
	if err != nil {
		return nil, err
	}
	record, err := billing.NewManifestRecord(l.export, period, version, files, generation.Columns)
	if err != nil {
		return nil, billing.NewMalformedManifestError(manifestKey, err.Error(), nil)
	}
	record.PointerKey = pointerKey
	record.ManifestKey = manifestKey
	record.PublishedAt = info.LastModified

	logger.WithFields(log.Fields{
		"version":  version,
		"manifest": manifestKey,
		"files":    len(files),
	}).Debugf("resolved current manifest")
	return record, nil
}

// generationKey follows the pointer to the generation manifest. The data
// files a pointer lists live next to their generation's manifest, so their
// directory is the authoritative reference. Only a pointer without files
// falls back to the version marker as directory name.
func (l *Locator) generationKey(ctx context.Context, pointerKey string, pointer *Manifest) (string, error) {
	files, present := l.layout.Files(pointer)
	if !present {
		return "", billing.NewMalformedManifestError(pointerKey, "file list is missing", nil)
	}

	if len(files) == 0 {
		candidate := path.Join(path.Dir(pointerKey), l.layout.Version(pointer).String(), manifestName(l.export))
		if _, err := l.bucket.Stat(ctx, candidate); err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				return pointerKey, nil
			}
			return "", err
		}
		return candidate, nil
	}

	var dataDir string
	for i, f := range files {
		key, err := objectstore.KeyFromLocation(l.bucketName, f)
		if err != nil {
			return "", billing.NewMalformedManifestError(pointerKey, fmt.Sprintf("file list entry %d", i), err)
		}
		dir := path.Dir(key)
		if i == 0 {
			dataDir = dir
		} else if dir != dataDir {
			return "", billing.NewMalformedManifestError(pointerKey, fmt.Sprintf("data files span directories %s and %s", dataDir, dir), nil)
		}
	}

	genDir, nested := l.layout.GenerationDir(pointerKey, dataDir)
	if !nested {
		return pointerKey, nil
	}
	return path.Join(genDir, manifestName(l.export)), nil
}

func (l *Locator) fileKeys(manifestKey string, m *Manifest) ([]string, error) {
	files, present := l.layout.Files(m)
	if !present {
		return nil, billing.NewMalformedManifestError(manifestKey, "file list is missing", nil)
	}
	keys := make([]string, 0, len(files))
	for i, f := range files {
		key, err := objectstore.KeyFromLocation(l.bucketName, f)
		if err != nil {
			return nil, billing.NewMalformedManifestError(manifestKey, fmt.Sprintf("file list entry %d", i), err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// checkPeriod rejects manifests whose declared billing period disagrees
// with the directory they were found in.
func (l *Locator) checkPeriod(key string, period billing.Period, m *Manifest) error {
	if m.BillingPeriod == nil || m.BillingPeriod.Start.IsZero() {
		return nil
	}
	if declared := billing.PeriodFromTime(m.BillingPeriod.Start.Time); declared != period {
		return billing.NewMalformedManifestError(key, fmt.Sprintf("declares billing period %s, expected %s", declared, period), nil)
	}
	return nil
}

func (l *Locator) readManifest(ctx context.Context, key string) (*Manifest, error) {
	r, err := l.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ParseManifest(key, r)
}
