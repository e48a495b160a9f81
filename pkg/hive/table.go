package hive

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/kube-reporting/billing-ingest/pkg/db"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TableParameters struct {
	Database string   `json:"database,omitempty"`
	Name     string   `json:"name"`
	Columns  []Column `json:"columns"`

	Location        string            `json:"location,omitempty"`
	RowFormat       string            `json:"rowFormat,omitempty"`
	FileFormat      string            `json:"fileFormat,omitempty"`
	TableProperties map[string]string `json:"tableProperties,omitempty"`
	External        bool              `json:"external,omitempty"`
}

type DatabaseParameters struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

func ExecuteCreateDatabase(ctx context.Context, execer db.Execer, params DatabaseParameters) error {
	_, err := execer.ExecContext(ctx, generateCreateDatabaseSQL(params, true))
	return err
}

func ExecuteCreateTable(ctx context.Context, execer db.Execer, params TableParameters, ignoreExists bool) error {
	_, err := execer.ExecContext(ctx, generateCreateTableSQL(params, ignoreExists))
	return err
}

func ExecuteDropTable(ctx context.Context, execer db.Execer, dbName, tableName string, ignoreNotExists bool) error {
	_, err := execer.ExecContext(ctx, generateDropTableSQL(dbName, tableName, ignoreNotExists, true))
	return err
}

func tableName(dbName, name string) string {
	if dbName == "" {
		return name
	}
	return dbName + "." + name
}

func generateCreateDatabaseSQL(params DatabaseParameters, ignoreExists bool) string {
	var b strings.Builder
	b.WriteString("CREATE DATABASE ")
	if ignoreExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(params.Name)
	if params.Location != "" {
		fmt.Fprintf(&b, " LOCATION '%s'", params.Location)
	}
	return b.String()
}

func generateCreateTableSQL(params TableParameters, ignoreExists bool) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if params.External {
		b.WriteString("EXTERNAL ")
	}
	b.WriteString("TABLE ")
	if ignoreExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(tableName(params.Database, params.Name))
	fmt.Fprintf(&b, " (%s)", fmtColumnText(params.Columns))
	if params.RowFormat != "" {
		fmt.Fprintf(&b, " ROW FORMAT %s", params.RowFormat)
	}
	if params.FileFormat != "" {
		fmt.Fprintf(&b, " STORED AS %s", params.FileFormat)
	}
	if params.Location != "" {
		fmt.Fprintf(&b, " LOCATION '%s'", params.Location)
	}
	if len(params.TableProperties) != 0 {
		fmt.Fprintf(&b, " TBLPROPERTIES (%s)", fmtTableProperties(params.TableProperties))
	}
	return b.String()
}

func generateDropTableSQL(dbName, name string, ignoreNotExists, purge bool) string {
	var b strings.Builder
	b.WriteString("DROP TABLE ")
	if ignoreNotExists {
		b.WriteString("IF EXISTS ")
	}
	b.WriteString(tableName(dbName, name))
	if purge {
		b.WriteString(" PURGE")
	}
	return b.String()
}

func fmtColumnText(columns []Column) string {
	c := make([]string, len(columns))
	for i, col := range columns {
		c[i] = fmt.Sprintf("`%s` %s", col.Name, col.Type)
	}
	return strings.Join(c, ", ")
}

// fmtTableProperties sorts keys so generated statements are stable.
func fmtTableProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("'%s'='%s'", k, props[k])
	}
	return strings.Join(pairs, ", ")
}

// S3Location returns the s3a location of a bucket and prefix, with a
// trailing slash.
func S3Location(bucket, prefix string) (string, error) {
	bucket = path.Join(bucket, prefix)
	if bucket[len(bucket)-1] != '/' {
		bucket = bucket + "/"
	}
	locationURL, err := url.Parse("s3a://" + bucket)
	if err != nil {
		return "", err
	}
	return locationURL.String(), nil
}
