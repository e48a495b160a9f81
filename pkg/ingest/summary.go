package ingest

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// Outcome is what happened to one billing period during a run.
type Outcome string

const (
	OutcomeSkippedUpToDate   Outcome = "skipped-up-to-date"
	OutcomeSkippedInProgress Outcome = "skipped-in-progress"
	OutcomeSkippedNotFound   Outcome = "skipped-not-found"
	OutcomeLoaded            Outcome = "loaded"
	OutcomeFailed            Outcome = "failed"
	OutcomeCancelled         Outcome = "cancelled"
)

// RunStatus summarizes all period outcomes of a run.
type RunStatus string

const (
	StatusSuccess        RunStatus = "success"
	StatusPartialFailure RunStatus = "partial-failure"
	StatusFailure        RunStatus = "failure"
)

type PeriodResult struct {
	Period   billing.Period    `json:"period"`
	Outcome  Outcome           `json:"outcome"`
	Version  billing.VersionID `json:"version,omitempty"`
	Table    string            `json:"table,omitempty"`
	Files    int64             `json:"files"`
	Rows     int64             `json:"rows"`
	Reason   string            `json:"reason,omitempty"`
	Duration time.Duration     `json:"duration"`
}

type Summary struct {
	Vendor     string         `json:"vendor"`
	Export     string         `json:"export"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Results    []PeriodResult `json:"results"`
	// UnifiedViewError is set when the unified view could not be refreshed.
	UnifiedViewError string `json:"unifiedViewError,omitempty"`
}

// Count returns the number of periods with outcome o.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Rows returns the rows loaded by the run.
func (s *Summary) Rows() int64 {
	var n int64
	for _, r := range s.Results {
		if r.Outcome == OutcomeLoaded {
			n += r.Rows
		}
	}
	return n
}

// Status is success when no period failed or was cancelled, failure when
// every period did, and partial-failure otherwise.
func (s *Summary) Status() RunStatus {
	bad := s.Count(OutcomeFailed) + s.Count(OutcomeCancelled)
	switch {
	case bad == 0:
		return StatusSuccess
	case bad == len(s.Results):
		return StatusFailure
	default:
		return StatusPartialFailure
	}
}

// Write prints the summary as a table.
func (s *Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tOUTCOME\tVERSION\tTABLE\tFILES\tROWS\tDURATION\tREASON")
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Period, r.Outcome, r.Version, r.Table, r.Files, r.Rows, r.Duration.Round(time.Millisecond), r.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s/%s: %s, %d periods, %d rows loaded\n", s.Vendor, s.Export, s.Status(), len(s.Results), s.Rows())
	return err
}
