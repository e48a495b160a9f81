package aws

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// Manifest is a representation of the file AWS publishes alongside billing
// data. CUR exports fill AssemblyID and ReportKeys, Data Exports (CUR 2.0)
// fill ExecutionID and DataFiles.
type Manifest struct {
	AssemblyID  string           `json:"assemblyId"`
	ExecutionID string           `json:"executionId"`
	Account     string           `json:"account"`
	Columns     []billing.Column `json:"columns"`
	Charset     string           `json:"charset"`
	Compression string           `json:"compression"`
	ContentType string           `json:"contentType"`
	ReportID    string           `json:"reportId"`
	ReportName  string           `json:"reportName"`
	// BillingPeriod is absent from some Data Exports manifests.
	BillingPeriod *BillingPeriod `json:"billingPeriod"`
	Bucket        string         `json:"bucket"`
	ReportKeys    []string       `json:"reportKeys"`
	DataFiles     []string       `json:"dataFiles"`
	// AdditionalArtifactKeys has changed shape between export versions and
	// is not used, so it is kept undecoded.
	AdditionalArtifactKeys json.RawMessage `json:"additionalArtifactKeys"`
}

type BillingPeriod struct {
	Start Time `json:"start"`
	End   Time `json:"end"`
}

type Time struct {
	time.Time
}

const manifestTime = "20060102T000000.000Z"

var manifestTimeLayouts = []string{
	manifestTime,
	"20060102T150405.000Z",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("billing period time must be a string: %w", err)
	}
	for _, layout := range manifestTimeLayouts {
		if tt, err := time.Parse(layout, s); err == nil {
			*t = Time{tt.UTC()}
			return nil
		}
	}
	return fmt.Errorf("unrecognized billing period time %q", s)
}

func (t Time) String() string {
	return t.Format(manifestTime)
}

// ParseManifest decodes a manifest read from key. Any decoding failure is a
// *billing.MalformedManifestError.
func ParseManifest(key string, r io.Reader) (*Manifest, error) {
	decoder := json.NewDecoder(r)
	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return nil, billing.NewMalformedManifestError(key, "invalid JSON", err)
	}
	for i, c := range manifest.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return nil, billing.NewMalformedManifestError(key, fmt.Sprintf("column %d has no name", i), nil)
		}
	}
	return &manifest, nil
}
