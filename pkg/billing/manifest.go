package billing

import (
	"fmt"
	"time"
)

// VersionID identifies one generation of a billing period's data. Version
// ids carry no ordering; the only meaningful comparison is equality.
type VersionID string

func (v VersionID) IsZero() bool {
	return v == ""
}

func (v VersionID) String() string {
	return string(v)
}

// Column is a declared column of a billing export.
type Column struct {
	Category string `json:"category,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
}

// QualifiedName returns category/name the way the export publishes CSV
// headers, or just the name when the column has no category.
func (c Column) QualifiedName() string {
	if c.Category == "" {
		return c.Name
	}
	return c.Category + "/" + c.Name
}

// ManifestRecord is the resolved, current view of a single billing period.
// It is built fresh on every discovery pass and never modified afterwards.
type ManifestRecord struct {
	Export  string
	Period  Period
	Version VersionID
	// Files lists the data file locations in the order the manifest
	// declares them. Entries are either object keys or s3:// URIs.
	Files   []string
	Columns []Column

	// PointerKey is the key of the manifest that named Version as current.
	PointerKey string
	// ManifestKey is the key of the generation manifest Files was read from.
	ManifestKey string
	PublishedAt time.Time
}

// NewManifestRecord validates the required fields and returns a record. The
// file list may be empty but must be present.
func NewManifestRecord(export string, period Period, version VersionID, files []string, columns []Column) (*ManifestRecord, error) {
	switch {
	case period.IsZero():
		return nil, fmt.Errorf("billing period is missing")
	case version.IsZero():
		return nil, fmt.Errorf("version marker is empty")
	case files == nil:
		return nil, fmt.Errorf("file list is missing")
	}
	for i, f := range files {
		if f == "" {
			return nil, fmt.Errorf("file list entry %d is empty", i)
		}
	}
	return &ManifestRecord{
		Export:  export,
		Period:  period,
		Version: version,
		Files:   append(make([]string, 0, len(files)), files...),
		Columns: append(make([]Column, 0, len(columns)), columns...),
	}, nil
}

// ColumnNames returns the destination identifiers of the declared columns,
// in declaration order.
func (m *ManifestRecord) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.SQLName()
	}
	return UniqueColumnNames(names)
}
