package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kube-reporting/billing-ingest/pkg/destination"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "forget the load state of the export so every period is loaded again",
	Args:  cobra.NoArgs,
	RunE:  resetExport,
}

func init() {
	resetCmd.Flags().Bool("drop-tables", false, "also drop the tables of every period, their staging tables and the unified view")
}

func resetExport(cmd *cobra.Command, _ []string) error {
	ctx := setupSignals()
	dropTables, _ := cmd.Flags().GetBool("drop-tables")
	a, err := newApp(ctx, cmd.Flags(), components{destination: dropTables})
	if err != nil {
		return err
	}
	defer a.Close()

	vendor, export := a.cfg.Export.Vendor, a.cfg.Export.Name
	entries, err := a.store.List(ctx, vendor, export)
	if err != nil {
		return err
	}
	if err := a.store.Reset(ctx, vendor, export); err != nil {
		return fmt.Errorf("unable to reset %s/%s: %w", vendor, export, err)
	}
	a.logger.Infof("forgot the load state of %d billing periods", len(entries))
	if !dropTables {
		return nil
	}
	return dropExportTables(ctx, a, entries)
}

func dropExportTables(ctx context.Context, a *app, entries []state.Entry) error {
	namer, err := destination.NewTableNamer(a.cfg.Destination.TableTemplate)
	if err != nil {
		return err
	}
	if view := a.cfg.Destination.UnifiedView; view != "" {
		if err := a.dest.CreateUnifiedView(ctx, view, nil); err != nil {
			return fmt.Errorf("unable to drop unified view %s: %w", view, err)
		}
	}
	for _, e := range entries {
		table, err := namer.TableName(e.Key.Vendor, e.Key.Export, e.Key.Period)
		if err != nil {
			return err
		}
		staging, err := a.dest.Tables(ctx, destination.StagingPrefix(table))
		if err != nil {
			return err
		}
		for _, t := range append(staging, table) {
			if err := a.dest.DropTable(ctx, t); err != nil {
				return fmt.Errorf("unable to drop table %s: %w", t, err)
			}
			a.logger.Infof("dropped table %s", t)
		}
	}
	return nil
}
