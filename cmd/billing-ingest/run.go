package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kube-reporting/billing-ingest/pkg/ingest"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "load every new or changed billing period once",
	Long: `Loads the current version of every billing period of the export which
is not loaded yet. Exits 0 when every period succeeded or was skipped, 2 when
some periods failed and 1 when all of them failed or the run could not start.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	addPeriodRangeFlags(runCmd.Flags())
	runCmd.Flags().Bool("force", false, "reload periods even when their current version is already loaded")
	runCmd.Flags().Int("concurrency", 0, "number of periods loaded at once")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := setupSignals()
	a, err := newApp(ctx, cmd.Flags(), components{locator: true, destination: true})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator()
	if err != nil {
		return err
	}
	summary, err := c.Run(ctx)
	if summary != nil {
		asJSON, _ := cmd.Flags().GetBool("json")
		if perr := printSummary(cmd, summary, asJSON); perr != nil {
			a.logger.WithError(perr).Error("unable to print the run summary")
		}
	}
	if err != nil {
		return err
	}
	return exitStatus(summary)
}

func printSummary(cmd *cobra.Command, summary *ingest.Summary, asJSON bool) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), summary)
	}
	return summary.Write(cmd.OutOrStdout())
}

// exitStatus maps a run summary to the process exit code.
func exitStatus(summary *ingest.Summary) error {
	switch summary.Status() {
	case ingest.StatusSuccess:
		return nil
	case ingest.StatusPartialFailure:
		return &exitError{code: 2, msg: fmt.Sprintf("%d of %d billing periods failed", summary.Count(ingest.OutcomeFailed)+summary.Count(ingest.OutcomeCancelled), len(summary.Results))}
	default:
		return &exitError{code: 1, msg: "every billing period failed"}
	}
}
