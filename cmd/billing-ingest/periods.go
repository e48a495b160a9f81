package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/destination"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

var periodsCmd = &cobra.Command{
	Use:   "periods",
	Short: "list the billing periods of the export with their load state",
	Args:  cobra.NoArgs,
	RunE:  listPeriods,
}

func init() {
	addPeriodRangeFlags(periodsCmd.Flags())
	periodsCmd.Flags().Bool("resolve", false, "also resolve the current manifest of every period and report pending versions")
}

type periodRow struct {
	Period         billing.Period    `json:"period"`
	Table          string            `json:"table"`
	Status         state.Status      `json:"status"`
	CurrentVersion billing.VersionID `json:"currentVersion,omitempty"`
	LatestVersion  billing.VersionID `json:"latestVersion,omitempty"`
	Pending        bool              `json:"pending"`
	LastAttempt    *state.Attempt    `json:"lastAttempt,omitempty"`
}

func listPeriods(cmd *cobra.Command, _ []string) error {
	ctx := setupSignals()
	a, err := newApp(ctx, cmd.Flags(), components{locator: true})
	if err != nil {
		return err
	}
	defer a.Close()

	resolve, _ := cmd.Flags().GetBool("resolve")
	namer, err := destination.NewTableNamer(a.cfg.Destination.TableTemplate)
	if err != nil {
		return err
	}
	periods, err := a.locator.ListPeriods(ctx, a.cfg.Export.Start, a.cfg.Export.End)
	if err != nil {
		return err
	}

	var rows []periodRow
	for _, p := range periods {
		key := state.Key{Vendor: a.cfg.Export.Vendor, Export: a.cfg.Export.Name, Period: p}
		entry, err := a.store.Get(ctx, key)
		if err != nil {
			return err
		}
		table, err := namer.TableName(key.Vendor, key.Export, p)
		if err != nil {
			return err
		}
		row := periodRow{
			Period:         p,
			Table:          table,
			Status:         entry.Status,
			CurrentVersion: entry.CurrentVersion,
			LastAttempt:    entry.LastAttempt,
		}
		if resolve {
			record, err := a.locator.ResolveCurrent(ctx, p)
			switch {
			case err == nil:
				row.LatestVersion = record.Version
				row.Pending = record.Version != entry.CurrentVersion
			case errors.Is(err, billing.ErrNotFound):
			default:
				a.logger.WithError(err).Warnf("unable to resolve the current manifest of %s", p)
			}
		}
		rows = append(rows, row)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	header := "PERIOD\tTABLE\tSTATUS\tCURRENT VERSION\tLAST ATTEMPT"
	if resolve {
		header += "\tLATEST VERSION\tPENDING"
	}
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		last := "-"
		if r.LastAttempt != nil {
			last = fmt.Sprintf("%s %s", r.LastAttempt.Status, formatTime(r.LastAttempt.StartedAt))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s", r.Period, r.Table, r.Status, orDash(r.CurrentVersion.String()), last)
		if resolve {
			fmt.Fprintf(tw, "\t%s\t%t", orDash(r.LatestVersion.String()), r.Pending)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
