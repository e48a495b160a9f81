package parser

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
)

// Format is the encoding of a billing data file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Record maps column names to raw values. A column missing from the map is
// NULL.
type Record map[string]string

// Reader produces the records of one data file.
type Reader interface {
	// Columns returns the destination column names in file order.
	Columns() []string
	// Next returns the next record, or io.EOF after the last one.
	Next() (Record, error)
	Close() error
}

// DetectFormat picks the format of key. A non-empty override wins over the
// file extension.
func DetectFormat(key string, override Format) (Format, error) {
	if override != "" {
		switch override {
		case FormatCSV, FormatParquet:
			return override, nil
		default:
			return "", fmt.Errorf("unsupported format %q", override)
		}
	}
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".parquet"):
		return FormatParquet, nil
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".csv.gz"):
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("cannot determine format of %s", key)
	}
}

// Open streams key from bucket and returns a Reader for its records.
// Failures to decode the file are reported as *billing.ParseError; storage
// failures are passed through unchanged.
func Open(ctx context.Context, bucket objectstore.Bucket, key string, override Format) (Reader, error) {
	format, err := DetectFormat(key, override)
	if err != nil {
		return nil, &billing.ParseError{File: key, Err: err}
	}
	body, err := bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatParquet:
		return newParquetReader(key, body)
	default:
		return newCSVReader(key, body, strings.HasSuffix(strings.ToLower(key), ".gz"))
	}
}

// ReadAll drains r. It is meant for tests and small files.
func ReadAll(r Reader) ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
