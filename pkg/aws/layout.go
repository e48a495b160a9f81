package aws

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

const (
	// LayoutFlat is the CUR layout with one directory per billing date range:
	// <prefix>/<export>/YYYYMMDD-YYYYMMDD/<export>-Manifest.json
	LayoutFlat = "flat"
	// LayoutPartitioned is the Data Exports layout with Hive style period
	// partitions: <prefix>/<export>/metadata/BILLING_PERIOD=YYYY-MM/<export>-Manifest.json
	LayoutPartitioned = "partitioned"

	// BillingDateFormat is the layout for parsing the AWS date format of 'yyyymmdd'.
	BillingDateFormat = "20060102"

	// ManifestSuffix is the file name suffix of every manifest.
	ManifestSuffix = "-Manifest.json"
)

var (
	flatPeriodDir        = regexp.MustCompile(`^(\d{8})-(\d{8})$`)
	partitionedPeriodDir = regexp.MustCompile(`^BILLING_PERIOD=(\d{4}-\d{2})$`)
)

// Layout captures the directory and field conventions of an export format.
type Layout interface {
	Name() string
	// PeriodsPrefix is the prefix under which all pointer manifests live.
	PeriodsPrefix(exportRoot string) string
	// PointerKey is the conventional location of a period's pointer manifest.
	PointerKey(exportRoot, export string, period billing.Period) string
	// PointerPeriod reports whether key is a pointer manifest and, if so,
	// which period it covers.
	PointerPeriod(exportRoot, export, key string) (billing.Period, bool)
	Version(m *Manifest) billing.VersionID
	// Files returns the data file references and whether the field was
	// present at all.
	Files(m *Manifest) ([]string, bool)
	// GenerationDir maps the directory holding a generation's data files to
	// the directory holding its manifest. It returns false when the data
	// files sit directly in the period directory, meaning the pointer is the
	// only manifest for that generation.
	GenerationDir(pointerKey, dataDir string) (string, bool)
}

// LayoutByName returns the layout registered under name. "v1" and "v2" are
// accepted as aliases.
func LayoutByName(name string) (Layout, error) {
	switch strings.ToLower(name) {
	case LayoutFlat, "v1":
		return flatLayout{}, nil
	case LayoutPartitioned, "v2":
		return partitionedLayout{}, nil
	default:
		return nil, fmt.Errorf("unknown manifest layout %q, must be one of %q or %q", name, LayoutFlat, LayoutPartitioned)
	}
}

func manifestName(export string) string {
	return export + ManifestSuffix
}

// splitPointerKey checks that key is <dir>/<export>-Manifest.json directly
// under base and returns the single directory segment in between.
func splitPointerKey(base, export, key string) (string, bool) {
	if !strings.HasPrefix(key, base) {
		return "", false
	}
	rest := strings.TrimPrefix(key, base)
	dir, file := path.Split(rest)
	if file != manifestName(export) {
		return "", false
	}
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || strings.Contains(dir, "/") {
		return "", false
	}
	return dir, true
}

type flatLayout struct{}

func (flatLayout) Name() string { return LayoutFlat }

func (flatLayout) PeriodsPrefix(exportRoot string) string {
	return exportRoot + "/"
}

func (l flatLayout) PointerKey(exportRoot, export string, period billing.Period) string {
	dir := fmt.Sprintf("%s-%s", period.Start().Format(BillingDateFormat), period.End().Format(BillingDateFormat))
	return path.Join(exportRoot, dir, manifestName(export))
}

func (l flatLayout) PointerPeriod(exportRoot, export, key string) (billing.Period, bool) {
	dir, ok := splitPointerKey(l.PeriodsPrefix(exportRoot), export, key)
	if !ok {
		return billing.Period{}, false
	}
	m := flatPeriodDir.FindStringSubmatch(dir)
	if m == nil {
		return billing.Period{}, false
	}
	start, err := time.Parse(BillingDateFormat, m[1])
	if err != nil {
		return billing.Period{}, false
	}
	return billing.PeriodFromTime(start), true
}

func (flatLayout) Version(m *Manifest) billing.VersionID {
	return billing.VersionID(strings.TrimSpace(m.AssemblyID))
}

func (flatLayout) Files(m *Manifest) ([]string, bool) {
	return m.ReportKeys, m.ReportKeys != nil
}

func (flatLayout) GenerationDir(pointerKey, dataDir string) (string, bool) {
	if dataDir == path.Dir(pointerKey) {
		return "", false
	}
	return dataDir, true
}

type partitionedLayout struct{}

func (partitionedLayout) Name() string { return LayoutPartitioned }

func (partitionedLayout) PeriodsPrefix(exportRoot string) string {
	return exportRoot + "/metadata/"
}

func (l partitionedLayout) PointerKey(exportRoot, export string, period billing.Period) string {
	return path.Join(exportRoot, "metadata", "BILLING_PERIOD="+period.String(), manifestName(export))
}

func (l partitionedLayout) PointerPeriod(exportRoot, export, key string) (billing.Period, bool) {
	dir, ok := splitPointerKey(l.PeriodsPrefix(exportRoot), export, key)
	if !ok {
		return billing.Period{}, false
	}
	m := partitionedPeriodDir.FindStringSubmatch(dir)
	if m == nil {
		return billing.Period{}, false
	}
	p, err := billing.ParsePeriod(m[1])
	if err != nil {
		return billing.Period{}, false
	}
	return p, true
}

func (partitionedLayout) Version(m *Manifest) billing.VersionID {
	return billing.VersionID(strings.TrimSpace(m.ExecutionID))
}

func (partitionedLayout) Files(m *Manifest) ([]string, bool) {
	return m.DataFiles, m.DataFiles != nil
}

// GenerationDir locates the BILLING_PERIOD partition in the data directory
// and mirrors whatever follows it under the metadata directory.
func (partitionedLayout) GenerationDir(pointerKey, dataDir string) (string, bool) {
	segments := strings.Split(dataDir, "/")
	for i, seg := range segments {
		if partitionedPeriodDir.MatchString(seg) {
			rest := segments[i+1:]
			if len(rest) == 0 {
				return "", false
			}
			return path.Join(append([]string{path.Dir(pointerKey)}, rest...)...), true
		}
	}
	return "", false
}
