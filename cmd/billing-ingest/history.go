package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show the load attempts of a billing period, newest first",
	Args:  cobra.NoArgs,
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().String("period", "", "billing period, YYYY-MM")
	historyCmd.Flags().String("fail-attempt", "", "mark this InProgress attempt Failed, for attempts left behind by a crashed loader")
	historyCmd.Flags().String("message", "abandoned by operator", "error message recorded with --fail-attempt")
	historyCmd.MarkFlagRequired("period")
}

func showHistory(cmd *cobra.Command, _ []string) error {
	ctx := setupSignals()
	periodStr, _ := cmd.Flags().GetString("period")
	period, err := billing.ParsePeriod(periodStr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cmd.Flags(), components{})
	if err != nil {
		return err
	}
	defer a.Close()

	key := state.Key{Vendor: a.cfg.Export.Vendor, Export: a.cfg.Export.Name, Period: period}
	if id, _ := cmd.Flags().GetString("fail-attempt"); id != "" {
		message, _ := cmd.Flags().GetString("message")
		if _, err := state.AbandonAttempt(ctx, a.store, key, id, message); err != nil {
			return fmt.Errorf("unable to fail attempt %s: %w", id, err)
		}
		a.logger.WithField("attempt", id).Warnf("marked attempt of %s failed", key)
	}
	attempts, err := a.store.History(ctx, key)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if attempts == nil {
			attempts = []state.Attempt{}
		}
		return printJSON(cmd.OutOrStdout(), attempts)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tVERSION\tSTATUS\tSTARTED\tCOMPLETED\tFILES\tROWS\tERROR")
	for _, at := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			at.ID, orDash(at.Version.String()), at.Status, formatTime(at.StartedAt), formatTime(at.CompletedAt),
			at.FileCount, at.RowCount, at.ErrorMessage)
	}
	return tw.Flush()
}
