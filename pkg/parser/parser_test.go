package parser

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/objectstore"
)

const sampleCSV = `identity/LineItemId,lineItem/UsageStartDate,lineItem/UnblendedCost,resourceTags/user:Team
a1,2024-01-01T00:00:00Z,0.25,
a2,2024-01-01T01:00:00Z,1.5,"platform, infra"
`

func gzipped(t *testing.T, data string) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]struct {
		key         string
		override    Format
		expected    Format
		expectedErr bool
	}{
		"csv":              {key: "a/report-1.csv", expected: FormatCSV},
		"gzipped csv":      {key: "a/report-1.csv.gz", expected: FormatCSV},
		"parquet":          {key: "a/part-0.snappy.parquet", expected: FormatParquet},
		"upper case":       {key: "a/REPORT.CSV.GZ", expected: FormatCSV},
		"zip unsupported":  {key: "a/report-1.csv.zip", expectedErr: true},
		"override":         {key: "a/report-1", override: FormatParquet, expected: FormatParquet},
		"invalid override": {key: "a/report-1.csv", override: "orc", expectedErr: true},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			f, err := DetectFormat(test.key, test.override)
			if test.expectedErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, f)
		})
	}
}

func TestOpenCSV(t *testing.T) {
	ctx := context.Background()
	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "plain.csv", []byte(sampleCSV), nil))
	require.NoError(t, mem.WriteAll(ctx, "compressed.csv.gz", gzipped(t, sampleCSV), nil))
	bucket := objectstore.NewBlobBucket(mem)

	for _, key := range []string{"plain.csv", "compressed.csv.gz"} {
		key := key
		t.Run(key, func(t *testing.T) {
			r, err := Open(ctx, bucket, key, "")
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, []string{
				"identity_lineitemid",
				"lineitem_usagestartdate",
				"lineitem_unblendedcost",
				"resourcetags_user_team",
			}, r.Columns())

			records, err := ReadAll(r)
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "0.25", records[0]["lineitem_unblendedcost"])
			assert.Equal(t, "", records[0]["resourcetags_user_team"])
			assert.Equal(t, "platform, infra", records[1]["resourcetags_user_team"])
		})
	}
}

func TestOpenCSVErrors(t *testing.T) {
	ctx := context.Background()
	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "ragged.csv", []byte("a,b\n1,2\n3\n"), nil))
	require.NoError(t, mem.WriteAll(ctx, "notgzip.csv.gz", []byte("a,b\n1,2\n"), nil))
	require.NoError(t, mem.WriteAll(ctx, "empty.csv", nil, nil))
	bucket := objectstore.NewBlobBucket(mem)

	r, err := Open(ctx, bucket, "ragged.csv", "")
	require.NoError(t, err)
	_, err = ReadAll(r)
	var pe *billing.ParseError
	require.True(t, errors.As(err, &pe), "expected parse error, got %v", err)
	assert.Equal(t, "ragged.csv", pe.File)
	r.Close()

	_, err = Open(ctx, bucket, "notgzip.csv.gz", "")
	assert.True(t, errors.As(err, &pe))

	r, err = Open(ctx, bucket, "empty.csv", "")
	require.NoError(t, err)
	assert.Empty(t, r.Columns())
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	r.Close()

	_, err = Open(ctx, bucket, "missing.csv", "")
	assert.True(t, errors.Is(err, billing.ErrNotFound))
}

type costRow struct {
	AccountID string  `parquet:"line_item_usage_account_id"`
	Cost      float64 `parquet:"line_item_unblended_cost"`
	Quantity  int64   `parquet:"line_item_usage_amount"`
	Team      *string `parquet:"resource_tags_user_team,optional"`
}

func TestOpenParquet(t *testing.T) {
	ctx := context.Background()
	team := "platform"
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[costRow](&buf)
	_, err := w.Write([]costRow{
		{AccountID: "111", Cost: 0.25, Quantity: 3, Team: &team},
		{AccountID: "222", Cost: 1.5, Quantity: 1},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "data/part-0.parquet", buf.Bytes(), nil))

	r, err := Open(ctx, objectstore.NewBlobBucket(mem), "data/part-0.parquet", "")
	require.NoError(t, err)
	defer r.Close()

	assert.ElementsMatch(t, []string{
		"line_item_usage_account_id",
		"line_item_unblended_cost",
		"line_item_usage_amount",
		"resource_tags_user_team",
	}, r.Columns())

	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Record{
		"line_item_usage_account_id": "111",
		"line_item_unblended_cost":   "0.25",
		"line_item_usage_amount":     "3",
		"resource_tags_user_team":    "platform",
	}, records[0])
	_, hasTeam := records[1]["resource_tags_user_team"]
	assert.False(t, hasTeam, "null values are left out of the record")
}

func TestOpenParquetCorrupt(t *testing.T) {
	ctx := context.Background()
	mem := memblob.OpenBucket(nil)
	require.NoError(t, mem.WriteAll(ctx, "bad.parquet", []byte("definitely not parquet"), nil))

	_, err := Open(ctx, objectstore.NewBlobBucket(mem), "bad.parquet", "")
	var pe *billing.ParseError
	assert.True(t, errors.As(err, &pe), "expected parse error, got %v", err)
}

func TestFormatDecimal(t *testing.T) {
	tests := map[string]struct {
		unscaled int64
		scale    int
		expected string
	}{
		"integer":        {unscaled: 42, scale: 0, expected: "42"},
		"fraction":       {unscaled: 12345, scale: 2, expected: "123.45"},
		"leading zeros":  {unscaled: 5, scale: 4, expected: "0.0005"},
		"negative":       {unscaled: -250, scale: 3, expected: "-0.250"},
		"exact boundary": {unscaled: 100, scale: 2, expected: "1.00"},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, formatDecimal(big.NewInt(test.unscaled), test.scale))
		})
	}

	var z big.Int
	setTwosComplement(&z, []byte{0xff, 0x38})
	assert.Equal(t, int64(-200), z.Int64())
	setTwosComplement(&z, []byte{0x00, 0xc8})
	assert.Equal(t, int64(200), z.Int64())
}
