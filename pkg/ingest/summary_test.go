package ingest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/parser"
)

func TestSummaryStatus(t *testing.T) {
	tests := map[string]struct {
		outcomes []Outcome
		want     RunStatus
	}{
		"nothing to do": {
			want: StatusSuccess,
		},
		"all loaded or skipped": {
			outcomes: []Outcome{OutcomeLoaded, OutcomeSkippedUpToDate, OutcomeSkippedInProgress, OutcomeSkippedNotFound},
			want:     StatusSuccess,
		},
		"one failed": {
			outcomes: []Outcome{OutcomeLoaded, OutcomeFailed},
			want:     StatusPartialFailure,
		},
		"cancelled counts as failed": {
			outcomes: []Outcome{OutcomeSkippedUpToDate, OutcomeCancelled},
			want:     StatusPartialFailure,
		},
		"all failed": {
			outcomes: []Outcome{OutcomeFailed, OutcomeCancelled},
			want:     StatusFailure,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := &Summary{}
			for _, o := range tt.outcomes {
				s.Results = append(s.Results, PeriodResult{Outcome: o})
			}
			assert.Equal(t, tt.want, s.Status())
		})
	}
}

func TestSummaryWrite(t *testing.T) {
	s := &Summary{
		Vendor: "aws",
		Export: "acct-1",
		Results: []PeriodResult{
			{Period: jan, Outcome: OutcomeLoaded, Version: "g2", Table: "acct_1_2024_01", Files: 2, Rows: 10},
			{Period: feb, Outcome: OutcomeFailed, Version: "g1", Reason: "malformed manifest"},
			{Period: mar, Outcome: OutcomeLoaded, Rows: 5},
		},
	}
	assert.Equal(t, int64(15), s.Rows())
	assert.Equal(t, 2, s.Count(OutcomeLoaded))

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "acct_1_2024_01")
	assert.Contains(t, out, "malformed manifest")
	assert.Contains(t, out, "aws/acct-1: partial-failure, 3 periods, 15 rows loaded")
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"valid": {
			cfg: Config{Export: "acct-1", Start: jan, End: mar},
		},
		"open range": {
			cfg: Config{Export: "acct-1", Start: feb},
		},
		"missing export": {
			cfg:     Config{},
			wantErr: true,
		},
		"start after end": {
			cfg:     Config{Export: "acct-1", Start: mar, End: billing.MustParsePeriod("2023-12")},
			wantErr: true,
		},
		"format override": {
			cfg: Config{Export: "acct-1", Format: parser.FormatParquet},
		},
		"unknown format": {
			cfg:     Config{Export: "acct-1", Format: "orc"},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
