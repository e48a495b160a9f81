package hive

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCreateTableSQL(t *testing.T) {
	tests := map[string]struct {
		params       TableParameters
		ignoreExists bool
		expected     string
	}{
		"managed orc table": {
			params: TableParameters{
				Database:   "billing",
				Name:       "cur_2024_01_staging_1a2b3c4d",
				Columns:    []Column{{Name: "line_item_usage_account_id", Type: "string"}, {Name: "line_item_unblended_cost", Type: "string"}},
				FileFormat: "ORC",
			},
			ignoreExists: true,
			expected:     "CREATE TABLE IF NOT EXISTS billing.cur_2024_01_staging_1a2b3c4d (`line_item_usage_account_id` string, `line_item_unblended_cost` string) STORED AS ORC",
		},
		"external table with location and properties": {
			params: TableParameters{
				Name:            "cur_2024_01",
				Columns:         []Column{{Name: "a", Type: "string"}},
				External:        true,
				Location:        "s3a://bucket/tables/cur_2024_01/",
				TableProperties: map[string]string{"skip.header.line.count": "1", "orc.compress": "SNAPPY"},
			},
			expected: "CREATE EXTERNAL TABLE cur_2024_01 (`a` string) LOCATION 's3a://bucket/tables/cur_2024_01/' TBLPROPERTIES ('orc.compress'='SNAPPY', 'skip.header.line.count'='1')",
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, generateCreateTableSQL(tt.params, tt.ignoreExists))
		})
	}
}

func TestGenerateDropAndDatabaseSQL(t *testing.T) {
	assert.Equal(t, "DROP TABLE IF EXISTS billing.t PURGE", generateDropTableSQL("billing", "t", true, true))
	assert.Equal(t, "DROP TABLE t", generateDropTableSQL("", "t", false, false))
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS billing LOCATION 's3a://b/p/'", generateCreateDatabaseSQL(DatabaseParameters{Name: "billing", Location: "s3a://b/p/"}, true))
}

func TestS3Location(t *testing.T) {
	loc, err := S3Location("bucket", "tables/cur")
	require.NoError(t, err)
	assert.Equal(t, "s3a://bucket/tables/cur/", loc)
}

type flakyExecer struct {
	errs  []error
	calls int
}

func (f *flakyExecer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.calls++
	if len(f.errs) == 0 {
		return nil, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return nil, err
}

func TestReconnectingExecer(t *testing.T) {
	tests := map[string]struct {
		errs          []error
		expectedCalls int
		expectErr     bool
	}{
		"succeeds first time": {
			expectedCalls: 1,
		},
		"retries dropped connections": {
			errs:          []error{io.EOF, io.EOF},
			expectedCalls: 3,
		},
		"gives up after max retries": {
			errs:          []error{io.EOF, io.EOF, io.EOF},
			expectedCalls: 3,
			expectErr:     true,
		},
		"statement errors are not retried": {
			errs:          []error{errors.New("ParseException line 1:0")},
			expectedCalls: 1,
			expectErr:     true,
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			flaky := &flakyExecer{errs: tt.errs}
			execer := NewReconnectingExecer(flaky, logrus.New(), 3)
			_, err := execer.ExecContext(context.Background(), "DROP TABLE t")
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedCalls, flaky.calls)
		})
	}
}
