package parser

import (
	"encoding/csv"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

type csvReader struct {
	key     string
	body    io.ReadCloser
	gz      *gzip.Reader
	reader  *csv.Reader
	columns []string
}

func newCSVReader(key string, body io.ReadCloser, compressed bool) (*csvReader, error) {
	r := &csvReader{key: key, body: body}
	var src io.Reader = body
	if compressed {
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, &billing.ParseError{File: key, Err: err}
		}
		r.gz = gz
		src = gz
	}
	r.reader = csv.NewReader(src)
	r.reader.ReuseRecord = true

	header, err := r.reader.Read()
	if err == io.EOF {
		// an empty file has no columns and no rows
		return r, nil
	}
	if err != nil {
		r.Close()
		return nil, &billing.ParseError{File: key, Err: err}
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = billing.ColumnName(h)
	}
	r.columns = billing.UniqueColumnNames(names)
	return r, nil
}

func (r *csvReader) Columns() []string {
	return r.columns
}

func (r *csvReader) Next() (Record, error) {
	if r.columns == nil {
		return nil, io.EOF
	}
	fields, err := r.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, &billing.ParseError{File: r.key, Err: err}
	}
	rec := make(Record, len(fields))
	for i, v := range fields {
		rec[r.columns[i]] = v
	}
	return rec, nil
}

func (r *csvReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.body.Close()
}
