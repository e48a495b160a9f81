package destination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kube-reporting/billing-ingest/pkg/db"
	"github.com/kube-reporting/billing-ingest/pkg/hive"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
	"github.com/kube-reporting/billing-ingest/pkg/presto"
)

const (
	// defaultMaxQueryLength is the maximum payload size a single SQL
	// statement can contain before Presto will error due to the payload
	// being too large.
	defaultMaxQueryLength = 1000000

	prestoColumnType = "varchar"
	hiveColumnType   = "string"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, defaultMaxQueryLength))
	},
}

type PrestoConfig struct {
	Catalog string
	Schema  string
	// MaxQueryLength caps the size of one INSERT statement.
	MaxQueryLength int
	// TableProperties are passed to CREATE TABLE when tables are created
	// through presto.
	TableProperties map[string]string
	// HiveFileFormat is the STORED AS format when tables are created
	// through hive.
	HiveFileFormat string
	// HiveLocation is the s3a directory hive tables are stored under, one
	// subdirectory per table. Empty uses the warehouse default.
	HiveLocation string
}

// Presto loads through a Presto coordinator. Every canonical name is a view
// over the physical staging table it was last swapped to, so a swap is a
// single CREATE OR REPLACE VIEW. When a hive execer is set, table DDL goes
// through Hive and Presto only runs DML and views.
type Presto struct {
	queryer db.Queryer
	hive    db.Execer
	cfg     PrestoConfig
	logger  log.FieldLogger
	closers []io.Closer
}

var _ Destination = &Presto{}

// NewPresto returns a Presto destination. hiveExecer may be nil. closers
// are closed by Close.
func NewPresto(queryer db.Queryer, hiveExecer db.Execer, cfg PrestoConfig, logger log.FieldLogger, closers ...io.Closer) *Presto {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = defaultMaxQueryLength
	}
	if cfg.HiveFileFormat == "" {
		cfg.HiveFileFormat = "ORC"
	}
	return &Presto{
		queryer: queryer,
		hive:    hiveExecer,
		cfg:     cfg,
		logger:  logger.WithField("component", "presto"),
		closers: closers,
	}
}

func (p *Presto) table(name string) string {
	return presto.FullyQualifiedTableName(p.cfg.Catalog, p.cfg.Schema, name)
}

func (p *Presto) CreateTable(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("cannot create table %s without columns", table)
	}
	if p.hive != nil {
		params := hive.TableParameters{
			Database:   p.cfg.Schema,
			Name:       table,
			FileFormat: p.cfg.HiveFileFormat,
		}
		if p.cfg.HiveLocation != "" {
			params.Location = p.cfg.HiveLocation + table + "/"
		}
		for _, c := range columns {
			params.Columns = append(params.Columns, hive.Column{Name: c, Type: hiveColumnType})
		}
		return hive.ExecuteCreateTable(ctx, p.hive, params, false)
	}
	cols := make([]presto.Column, len(columns))
	for i, c := range columns {
		cols[i] = presto.Column{Name: c, Type: prestoColumnType}
	}
	return presto.CreateTable(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, table, cols, p.cfg.TableProperties, false)
}

func (p *Presto) Append(ctx context.Context, table string, r parser.Reader) (int64, error) {
	existing, err := presto.QueryMetadata(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, table)
	if err != nil {
		return 0, err
	}
	columns := make([]string, len(existing))
	for i, c := range existing {
		columns[i] = c.Name
	}
	for _, c := range missingColumns(columns, r.Columns()) {
		query := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN "%s" %s`, p.table(table), c, prestoColumnType)
		if err := presto.ExecQuery(ctx, p.queryer, query); err != nil {
			return 0, err
		}
		columns = append(columns, c)
	}

	var prefix strings.Builder
	cols := make([]presto.Column, len(columns))
	for i, c := range columns {
		cols[i] = presto.Column{Name: c}
	}
	presto.WriteInsertPrefix(&prefix, p.cfg.Catalog, p.cfg.Schema, table, cols)

	rows, err := batchInserts(ctx, prefix.String(), columns, r, p.cfg.MaxQueryLength, func(query string) error {
		return presto.ExecQuery(ctx, p.queryer, query)
	})
	if err != nil {
		return rows, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	p.logger.Debugf("appended %d rows to %s", rows, table)
	return rows, nil
}

// batchInserts reads every record of r and calls exec with INSERT
// statements of at most maxLen bytes, unless a single row is larger.
func batchInserts(ctx context.Context, prefix string, columns []string, r parser.Reader, maxLen int, exec func(query string) error) (int64, error) {
	queryBuf := bufPool.Get().(*bytes.Buffer)
	queryBuf.Reset()
	defer bufPool.Put(queryBuf)

	var (
		rowBuf  strings.Builder
		values  = make([]*string, len(columns))
		written int64
		pending int64
	)
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := exec(queryBuf.String()); err != nil {
			return err
		}
		written += pending
		pending = 0
		queryBuf.Reset()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		for i, c := range columns {
			if v, ok := rec[c]; ok {
				v := v
				values[i] = &v
			} else {
				values[i] = nil
			}
		}
		rowBuf.Reset()
		presto.WriteValuesRow(&rowBuf, values)

		if pending > 0 && queryBuf.Len()+2+rowBuf.Len() > maxLen {
			if err := flush(); err != nil {
				return written, err
			}
		}
		if pending == 0 {
			queryBuf.WriteString(prefix)
		} else {
			queryBuf.WriteString(", ")
		}
		queryBuf.WriteString(rowBuf.String())
		pending++
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

func (p *Presto) Swap(ctx context.Context, canonical, staging string) error {
	query := fmt.Sprintf("SELECT * FROM %s", p.table(staging))
	if err := presto.CreateView(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, canonical, query, true); err != nil {
		return fmt.Errorf("swapping %s into %s: %w", staging, canonical, err)
	}

	// the view no longer reads the previous physical tables
	previous, err := p.Tables(ctx, StagingPrefix(canonical))
	if err != nil {
		p.logger.WithError(err).Warnf("unable to list previous tables of %s", canonical)
		return nil
	}
	for _, t := range previous {
		if t == staging {
			continue
		}
		if err := p.dropPhysical(ctx, t); err != nil {
			p.logger.WithError(err).Warnf("unable to drop previous table %s", t)
		}
	}
	return nil
}

func (p *Presto) isView(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT table_name FROM %s.information_schema.views WHERE table_schema = '%s' AND table_name = '%s'",
		p.cfg.Catalog, p.cfg.Schema, name)
	rows, err := presto.ExecuteSelect(ctx, p.queryer, query)
	if err != nil {
		return false, err
	}
	return len(rows) != 0, nil
}

func (p *Presto) dropPhysical(ctx context.Context, table string) error {
	if p.hive != nil {
		return hive.ExecuteDropTable(ctx, p.hive, p.cfg.Schema, table, true)
	}
	return presto.DropTable(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, table, true)
}

// DropTable drops a staging table, or a canonical view together with the
// tables behind it.
func (p *Presto) DropTable(ctx context.Context, table string) error {
	view, err := p.isView(ctx, table)
	if err != nil {
		return err
	}
	if !view {
		return p.dropPhysical(ctx, table)
	}
	if err := presto.DropView(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, table, true); err != nil {
		return err
	}
	physical, err := p.Tables(ctx, StagingPrefix(table))
	if err != nil {
		return err
	}
	for _, t := range physical {
		if err := p.dropPhysical(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Presto) Tables(ctx context.Context, prefix string) ([]string, error) {
	return presto.ShowTables(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, prefix)
}

func (p *Presto) CreateUnifiedView(ctx context.Context, view string, sources []ViewSource) error {
	if len(sources) == 0 {
		return presto.DropView(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, view, true)
	}

	// presto has no UNION BY NAME, so every select lists the union of all
	// columns and fills the ones a table lacks with NULL.
	var all []string
	tableColumns := make([]map[string]struct{}, len(sources))
	for i, src := range sources {
		cols, err := presto.QueryMetadata(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, src.Table)
		if err != nil {
			return err
		}
		names := make([]string, len(cols))
		tableColumns[i] = make(map[string]struct{}, len(cols))
		for j, c := range cols {
			names[j] = c.Name
			tableColumns[i][c.Name] = struct{}{}
		}
		all = append(all, missingColumns(all, names)...)
	}

	selects := make([]string, len(sources))
	for i, src := range sources {
		exprs := []string{fmt.Sprintf("'%s' AS %s", src.Period, PeriodColumn)}
		for _, c := range all {
			if _, ok := tableColumns[i][c]; ok {
				exprs = append(exprs, fmt.Sprintf(`"%s"`, c))
			} else {
				exprs = append(exprs, fmt.Sprintf(`CAST(NULL AS %s) AS "%s"`, prestoColumnType, c))
			}
		}
		selects[i] = fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), p.table(src.Table))
	}
	return presto.CreateView(ctx, p.queryer, p.cfg.Catalog, p.cfg.Schema, view, strings.Join(selects, " UNION ALL "), true)
}

func (p *Presto) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
