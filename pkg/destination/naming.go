package destination

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/Masterminds/sprig"
	"github.com/google/uuid"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// DefaultTableTemplate names the table of one export period, for example
// production_account_2024_01.
const DefaultTableTemplate = `{{ .Export | sanitize }}_{{ .Period.Year }}_{{ printf "%02d" .Period.Month }}`

const maxTableNameLength = 50

var (
	separatorsRE = regexp.MustCompile(`[\s\-/\\]+`)
	invalidRE    = regexp.MustCompile(`[^a-z0-9_]`)
	underscoreRE = regexp.MustCompile(`_+`)
)

// SanitizeTableName turns name into a lowercase identifier made of letters,
// digits and single underscores which starts with a letter.
func SanitizeTableName(name string) string {
	name = strings.ToLower(name)
	name = separatorsRE.ReplaceAllString(name, "_")
	name = invalidRE.ReplaceAllString(name, "")
	if name == "" || !unicode.IsLetter(rune(name[0])) {
		name = "export_" + name
	}
	name = underscoreRE.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if len(name) > maxTableNameLength {
		name = strings.TrimRight(name[:maxTableNameLength], "_")
	}
	return name
}

// TableNameContext is what a table template is rendered with.
type TableNameContext struct {
	Vendor string
	Export string
	Period billing.Period
}

// TableNamer renders canonical table names.
type TableNamer struct {
	tmpl *template.Template
}

// NewTableNamer parses a table template. An empty text selects
// DefaultTableTemplate.
func NewTableNamer(text string) (*TableNamer, error) {
	if text == "" {
		text = DefaultTableTemplate
	}
	funcs := template.FuncMap{
		"sanitize": SanitizeTableName,
	}
	tmpl, err := template.New("table-name").Funcs(sprig.TxtFuncMap()).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing table template: %v", err)
	}
	return &TableNamer{tmpl: tmpl}, nil
}

// TableName renders the canonical table name of a period.
func (n *TableNamer) TableName(vendor, export string, period billing.Period) (string, error) {
	var buf bytes.Buffer
	err := n.tmpl.Execute(&buf, TableNameContext{Vendor: vendor, Export: export, Period: period})
	if err != nil {
		return "", fmt.Errorf("error executing table template: %v", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" || invalidRE.MatchString(name) {
		return "", fmt.Errorf("table template produced invalid table name %q", name)
	}
	return name, nil
}

// TablePrefix is the prefix every table of an export starts with when the
// default template is used.
func TablePrefix(export string) string {
	return SanitizeTableName(export) + "_"
}

// StagingName returns a fresh name for loading the next version of
// canonical.
func StagingName(canonical string) string {
	return StagingPrefix(canonical) + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// StagingPrefix is the prefix of every staging table of canonical.
func StagingPrefix(canonical string) string {
	return canonical + "_staging_"
}

// IsStagingTable reports whether table is a staging table.
func IsStagingTable(table string) bool {
	return strings.Contains(table, "_staging_")
}
