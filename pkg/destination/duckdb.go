package destination

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"
	log "github.com/sirupsen/logrus"

	"github.com/kube-reporting/billing-ingest/pkg/db"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
)

// DuckDB loads into a local DuckDB database file, or an in-memory database
// when the path is empty.
type DuckDB struct {
	db         *sql.DB
	q          db.QueryExecer
	logger     log.FieldLogger
	logQueries bool
}

var _ Destination = &DuckDB{}

func NewDuckDB(path string, logger log.FieldLogger, logQueries bool) (*DuckDB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database %q: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open duckdb database %q: %w", path, err)
	}
	logger = logger.WithField("component", "duckdb")
	return &DuckDB{
		db:         conn,
		q:          db.NewLoggingQueryExecer(conn, logger, logQueries),
		logger:     logger,
		logQueries: logQueries,
	}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnDefinitions(columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c) + " " + ColumnType
	}
	return strings.Join(defs, ", ")
}

func (d *DuckDB) CreateTable(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("cannot create table %s without columns", table)
	}
	_, err := d.q.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), columnDefinitions(columns)))
	return err
}

func (d *DuckDB) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var columns []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return columns, nil
}

func (d *DuckDB) Append(ctx context.Context, table string, r parser.Reader) (int64, error) {
	columns, err := d.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	for _, c := range missingColumns(columns, r.Columns()) {
		_, err := d.q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(c), ColumnType))
		if err != nil {
			return 0, err
		}
		columns = append(columns, c)
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var written int64
	err = conn.Raw(func(driverConn interface{}) error {
		appender, err := duckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", table)
		if err != nil {
			return err
		}
		values := make([]driver.Value, len(columns))
		for {
			if err := ctx.Err(); err != nil {
				appender.Close()
				return err
			}
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				appender.Close()
				return err
			}
			for i, c := range columns {
				if v, ok := rec[c]; ok {
					values[i] = v
				} else {
					values[i] = nil
				}
			}
			if err := appender.AppendRow(values...); err != nil {
				appender.Close()
				return err
			}
			written++
		}
		// Close flushes the remaining rows.
		return appender.Close()
	})
	if err != nil {
		return 0, err
	}
	d.logger.Debugf("appended %d rows to %s", written, table)
	return written, nil
}

func (d *DuckDB) Swap(ctx context.Context, canonical, staging string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	q := db.NewLoggingQueryExecer(tx, d.logger, d.logQueries)
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(canonical)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(canonical)),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("swapping %s into %s: %w", staging, canonical, err)
		}
	}
	return tx.Commit()
}

func (d *DuckDB) DropTable(ctx context.Context, table string) error {
	_, err := d.q.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table)))
	return err
}

func (d *DuckDB) Tables(ctx context.Context, prefix string) ([]string, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' AND starts_with(table_name, ?)
ORDER BY table_name`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (d *DuckDB) CreateUnifiedView(ctx context.Context, view string, sources []ViewSource) error {
	if len(sources) == 0 {
		_, err := d.q.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(view)))
		return err
	}
	selects := make([]string, len(sources))
	for i, src := range sources {
		selects[i] = fmt.Sprintf("SELECT '%s' AS %s, * FROM %s", src.Period, PeriodColumn, quoteIdent(src.Table))
	}
	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", quoteIdent(view), strings.Join(selects, " UNION ALL BY NAME "))
	_, err := d.q.ExecContext(ctx, query)
	return err
}

// Query runs a read-only query. It exists for inspection from tests and
// the CLI.
func (d *DuckDB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.q.QueryContext(ctx, query, args...)
}

func (d *DuckDB) Close() error {
	return d.db.Close()
}
