// Package parsertest provides in-memory parser.Readers.
package parsertest

import (
	"io"

	"github.com/kube-reporting/billing-ingest/pkg/parser"
)

// Reader serves fixed records. When Err is set it is returned once every
// record has been read.
type Reader struct {
	columns []string
	records []parser.Record
	Err     error
	Closed  bool
}

var _ parser.Reader = &Reader{}

func NewReader(columns []string, records ...parser.Record) *Reader {
	return &Reader{columns: columns, records: records}
}

func (r *Reader) Columns() []string {
	return r.columns
}

func (r *Reader) Next() (parser.Record, error) {
	if len(r.records) == 0 {
		if r.Err != nil {
			return nil, r.Err
		}
		return nil, io.EOF
	}
	rec := r.records[0]
	r.records = r.records[1:]
	return rec, nil
}

func (r *Reader) Close() error {
	r.Closed = true
	return nil
}
