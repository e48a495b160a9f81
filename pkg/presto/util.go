package presto

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kube-reporting/billing-ingest/pkg/db"
)

func CreateTable(ctx context.Context, queryer db.Queryer, catalog, schema, tableName string, columns []Column, properties map[string]string, ignoreExists bool) error {
	query := generateCreateTableSQL(catalog, schema, tableName, columns, properties, ignoreExists)
	return ExecQuery(ctx, queryer, query)
}

func DropTable(ctx context.Context, queryer db.Queryer, catalog, schema, tableName string, ignoreNotExists bool) error {
	ifExists := ""
	if ignoreNotExists {
		ifExists = "IF EXISTS "
	}
	table := FullyQualifiedTableName(catalog, schema, tableName)
	return ExecQuery(ctx, queryer, fmt.Sprintf("DROP TABLE %s%s", ifExists, table))
}

func CreateView(ctx context.Context, queryer db.Queryer, catalog, schema, viewName string, query string, replace bool) error {
	fullQuery := "CREATE"
	if replace {
		fullQuery += " OR REPLACE"
	}
	fullQuery += " VIEW %s AS %s"
	view := FullyQualifiedTableName(catalog, schema, viewName)
	return ExecQuery(ctx, queryer, fmt.Sprintf(fullQuery, view, query))
}

func DropView(ctx context.Context, queryer db.Queryer, catalog, schema, viewName string, ignoreNotExists bool) error {
	ifExists := ""
	if ignoreNotExists {
		ifExists = "IF EXISTS "
	}
	view := FullyQualifiedTableName(catalog, schema, viewName)
	return ExecQuery(ctx, queryer, fmt.Sprintf("DROP VIEW %s%s", ifExists, view))
}

// QueryMetadata executes a "DESCRIBE" Presto query against an existing, fully-qualified
// table name to determine that table's column information.
func QueryMetadata(ctx context.Context, queryer db.Queryer, catalog, schema, tableName string) ([]Column, error) {
	rows, err := ExecuteSelect(ctx, queryer, fmt.Sprintf("DESCRIBE %s", FullyQualifiedTableName(catalog, schema, tableName)))
	if err != nil {
		return nil, fmt.Errorf("failed to query the %s Presto table's metadata: %v", tableName, err)
	}

	var cols []Column
	for _, row := range rows {
		colName, ok := row["Column"].(string)
		if !ok {
			return nil, fmt.Errorf("failed to convert the Presto column name to a string")
		}
		colType, ok := row["Type"].(string)
		if !ok {
			return nil, fmt.Errorf("failed to convert the Presto column type to a string")
		}
		cols = append(cols, Column{
			Name: colName,
			Type: colType,
		})
	}
	return cols, nil
}

// ShowTables returns the tables and views of a schema whose name starts
// with prefix.
func ShowTables(ctx context.Context, queryer db.Queryer, catalog, schema, prefix string) ([]string, error) {
	query := fmt.Sprintf("SHOW TABLES FROM %s.%s", catalog, schema)
	if prefix != "" {
		query += fmt.Sprintf(" LIKE %s", quoteString(escapeLike(prefix)+"%"))
		query += ` ESCAPE '\'`
	}
	rows, err := ExecuteSelect(ctx, queryer, query)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, row := range rows {
		if name, ok := row["Table"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// InsertValues inserts rows into columns of tableName with a single
// INSERT ... VALUES statement. A nil value is inserted as NULL.
func InsertValues(ctx context.Context, queryer db.Queryer, catalog, schema, tableName string, columns []Column, rows [][]*string) error {
	if len(rows) == 0 {
		return nil
	}
	var b strings.Builder
	WriteInsertPrefix(&b, catalog, schema, tableName, columns)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		WriteValuesRow(&b, row)
	}
	return ExecQuery(ctx, queryer, b.String())
}

// WriteInsertPrefix writes "INSERT INTO table (cols) VALUES ".
func WriteInsertPrefix(b io.StringWriter, catalog, schema, tableName string, columns []Column) {
	b.WriteString("INSERT INTO ")
	b.WriteString(FullyQualifiedTableName(catalog, schema, tableName))
	b.WriteString(" (")
	b.WriteString(GenerateQuotedColumnsListSQL(columns))
	b.WriteString(") VALUES ")
}

// WriteValuesRow writes one parenthesized VALUES tuple.
func WriteValuesRow(b io.StringWriter, row []*string) {
	b.WriteString("(")
	for i, v := range row {
		if i > 0 {
			b.WriteString(", ")
		}
		if v == nil {
			b.WriteString("NULL")
		} else {
			b.WriteString(quoteString(*v))
		}
	}
	b.WriteString(")")
}

func GenerateQuotedColumnsListSQL(columns []Column) string {
	var columnNames []string
	for _, col := range columns {
		columnNames = append(columnNames, quoteColumn(col))
	}
	return strings.Join(columnNames, ",")
}

func generateColumnDefinitionListSQL(columns []Column) string {
	c := make([]string, len(columns))
	for i, col := range columns {
		c[i] = fmt.Sprintf("%s %s", quoteColumn(col), col.Type)
	}
	return strings.Join(c, ", ")
}

func FullyQualifiedTableName(catalog, schema, tableName string) string {
	return fmt.Sprintf("%s.%s.%s", catalog, schema, tableName)
}

func generateCreateTableSQL(catalog, schema, tableName string, columns []Column, properties map[string]string, ignoreExists bool) string {
	ifNotExists := ""
	if ignoreExists {
		ifNotExists = "IF NOT EXISTS "
	}

	propsStr := ""
	if len(properties) != 0 {
		propsStr = fmt.Sprintf(" WITH (%s)", generatePropertiesSQL(properties))
	}

	table := FullyQualifiedTableName(catalog, schema, tableName)
	return fmt.Sprintf("CREATE TABLE %s%s (%s)%s", ifNotExists, table, generateColumnDefinitionListSQL(columns), propsStr)
}

func generatePropertiesSQL(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	propList := make([]string, len(keys))
	for i, k := range keys {
		propList[i] = fmt.Sprintf("%s = %s", k, props[k])
	}
	return strings.Join(propList, ", ")
}

func quoteColumn(col Column) string {
	return `"` + strings.ReplaceAll(col.Name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `_`, `\_`, `%`, `\%`)
	return r.Replace(s)
}

type Row map[string]interface{}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExecuteSelect performs the query and returns each row keyed by column
// name.
func ExecuteSelect(ctx context.Context, queryer db.Queryer, query string) ([]Row, error) {
	rows, err := queryer.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		// Create a slice of interface{}'s to represent each column,
		// and a second slice to contain pointers to each item in the columns slice.
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}

		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		m := make(map[string]interface{})
		for i, colName := range cols {
			val := columnPointers[i].(*interface{})
			m[colName] = *val
		}
		results = append(results, Row(m))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// ExecQuery submits a statement and drains the result. The presto driver
// only reports a failed statement while rows are being read.
func ExecQuery(ctx context.Context, queryer db.Queryer, query string) error {
	if err := db.ExecQuery(ctx, queryer, query); err != nil {
		return fmt.Errorf("presto SQL error: %v", err)
	}
	return nil
}
