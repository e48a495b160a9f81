package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

const parquetReadBatch = 128

type parquetColumn struct {
	name     string
	leaf     parquet.LeafColumn
	repeated bool
}

type parquetReader struct {
	key     string
	spool   *os.File
	file    *parquet.File
	columns []parquetColumn
	names   []string

	group   int
	rows    parquet.Rows
	buf     []parquet.Row
	pending []Record
}

// newParquetReader spools body to a temporary file because the parquet
// footer has to be read before any row.
func newParquetReader(key string, body io.ReadCloser) (*parquetReader, error) {
	defer body.Close()

	spool, err := ioutil.TempFile("", "billing-ingest-*.parquet")
	if err != nil {
		return nil, err
	}
	r := &parquetReader{key: key, spool: spool}
	size, err := io.Copy(spool, body)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.file, err = parquet.OpenFile(spool, size)
	if err != nil {
		r.Close()
		return nil, &billing.ParseError{File: key, Err: err}
	}

	schema := r.file.Schema()
	for _, path := range schema.Columns() {
		leaf, ok := schema.Lookup(path...)
		if !ok {
			r.Close()
			return nil, &billing.ParseError{File: key, Err: fmt.Errorf("column %s missing from schema", strings.Join(path, "."))}
		}
		r.columns = append(r.columns, parquetColumn{
			name:     billing.ColumnName(strings.Join(path, "_")),
			leaf:     leaf,
			repeated: leaf.MaxRepetitionLevel > 0,
		})
		r.names = append(r.names, billing.ColumnName(strings.Join(path, "_")))
	}
	r.names = billing.UniqueColumnNames(r.names)
	for i := range r.columns {
		r.columns[i].name = r.names[i]
	}
	r.buf = make([]parquet.Row, parquetReadBatch)
	return r, nil
}

func (r *parquetReader) Columns() []string {
	return r.names
}

func (r *parquetReader) Next() (Record, error) {
	for len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	rec := r.pending[0]
	r.pending = r.pending[1:]
	return rec, nil
}

// fill converts the next batch of rows into records, moving on to the next
// row group when the current one is exhausted.
func (r *parquetReader) fill() error {
	if r.rows == nil {
		groups := r.file.RowGroups()
		if r.group >= len(groups) {
			return io.EOF
		}
		r.rows = groups[r.group].Rows()
		r.group++
	}

	n, err := r.rows.ReadRows(r.buf)
	for _, row := range r.buf[:n] {
		rec, convErr := r.convert(row)
		if convErr != nil {
			return &billing.ParseError{File: r.key, Err: convErr}
		}
		r.pending = append(r.pending, rec)
	}
	if err == io.EOF || (err == nil && n == 0) {
		r.rows.Close()
		r.rows = nil
		return nil
	}
	if err != nil {
		return &billing.ParseError{File: r.key, Err: err}
	}
	return nil
}

func (r *parquetReader) convert(row parquet.Row) (Record, error) {
	values := make(map[int][]string, len(r.columns))
	for _, v := range row {
		if v.IsNull() {
			continue
		}
		idx := v.Column()
		if idx < 0 || idx >= len(r.columns) {
			return nil, fmt.Errorf("value for unknown column %d", idx)
		}
		s, err := formatValue(r.columns[idx].leaf, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %v", r.columns[idx].name, err)
		}
		values[idx] = append(values[idx], s)
	}

	rec := make(Record, len(values))
	for idx, vs := range values {
		col := r.columns[idx]
		if !col.repeated {
			rec[col.name] = vs[0]
			continue
		}
		encoded, err := json.Marshal(vs)
		if err != nil {
			return nil, err
		}
		rec[col.name] = string(encoded)
	}
	return rec, nil
}

// formatValue renders a value as text, honouring the timestamp, date and
// decimal logical types CUR exports use.
func formatValue(leaf parquet.LeafColumn, v parquet.Value) (string, error) {
	logical := leaf.Node.Type().LogicalType()
	switch {
	case logical != nil && logical.Timestamp != nil:
		ts := v.Int64()
		unit := logical.Timestamp.Unit
		var t time.Time
		switch {
		case unit.Millis != nil:
			t = time.Unix(0, ts*int64(time.Millisecond))
		case unit.Micros != nil:
			t = time.Unix(0, ts*int64(time.Microsecond))
		default:
			t = time.Unix(0, ts)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case logical != nil && logical.Date != nil:
		return time.Unix(int64(v.Int32())*86400, 0).UTC().Format("2006-01-02"), nil
	case logical != nil && logical.Decimal != nil:
		var unscaled big.Int
		switch v.Kind() {
		case parquet.Int32:
			unscaled.SetInt64(int64(v.Int32()))
		case parquet.Int64:
			unscaled.SetInt64(v.Int64())
		default:
			setTwosComplement(&unscaled, v.ByteArray())
		}
		return formatDecimal(&unscaled, int(logical.Decimal.Scale)), nil
	}

	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean()), nil
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10), nil
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10), nil
	case parquet.Int96:
		return v.Int96().String(), nil
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32), nil
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64), nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray()), nil
	default:
		return "", fmt.Errorf("unsupported parquet kind %s", v.Kind())
	}
}

// setTwosComplement decodes a big-endian two's complement integer.
func setTwosComplement(z *big.Int, b []byte) {
	z.SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		z.Sub(z, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
}

func formatDecimal(unscaled *big.Int, scale int) string {
	if scale <= 0 {
		return unscaled.String()
	}
	neg := unscaled.Sign() < 0
	digits := new(big.Int).Abs(unscaled).String()
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	out := digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	if neg {
		out = "-" + out
	}
	return out
}

func (r *parquetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	if r.spool == nil {
		return nil
	}
	name := r.spool.Name()
	err := r.spool.Close()
	os.Remove(name)
	r.spool = nil
	return err
}
