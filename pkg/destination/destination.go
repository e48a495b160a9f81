package destination

import (
	"context"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
)

// ColumnType is the type of every loaded column. Values are kept exactly as
// the export wrote them.
const ColumnType = "VARCHAR"

// ViewSource is one per-period table exposed by a unified view.
type ViewSource struct {
	Table  string
	Period billing.Period
}

//go:generate mockgen -destination=mock/mock_destination.go -package=mock github.com/kube-reporting/billing-ingest/pkg/destination Destination

// Destination is the analytical store billing rows are loaded into. Readers
// only ever see canonical tables, which change solely through Swap.
type Destination interface {
	// CreateTable creates table with the given columns.
	CreateTable(ctx context.Context, table string, columns []string) error
	// Append writes every record of r into table, adding the columns it
	// lacks first. It returns the number of rows written.
	Append(ctx context.Context, table string, r parser.Reader) (int64, error)
	// Swap makes staging visible as canonical in one step, replacing any
	// previous canonical contents.
	Swap(ctx context.Context, canonical, staging string) error
	// DropTable drops table if it exists.
	DropTable(ctx context.Context, table string) error
	// Tables lists the tables whose name starts with prefix.
	Tables(ctx context.Context, prefix string) ([]string, error)
	// CreateUnifiedView replaces view with the union of sources, adding a
	// billing_period column. An empty sources drops the view.
	CreateUnifiedView(ctx context.Context, view string, sources []ViewSource) error
	Close() error
}

// PeriodColumn is the column a unified view adds to tell periods apart.
const PeriodColumn = "billing_period"

// missingColumns returns the entries of want which are not in have, in the
// order of want.
func missingColumns(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range want {
		if _, ok := set[c]; !ok {
			set[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
