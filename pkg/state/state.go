package state

import (
	"context"
	"fmt"
	"time"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// Status is the load status of a billing period.
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Key identifies the state of one billing period of one export.
type Key struct {
	Vendor string         `json:"vendor"`
	Export string         `json:"export"`
	Period billing.Period `json:"period"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Vendor, k.Export, k.Period)
}

// Attempt is one entry of the append-only attempts log.
type Attempt struct {
	ID           string            `json:"id"`
	Key          Key               `json:"key"`
	Version      billing.VersionID `json:"version"`
	Status       Status            `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  time.Time         `json:"completedAt,omitempty"`
	FileCount    int64             `json:"fileCount"`
	RowCount     int64             `json:"rowCount"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// Entry is the current state of a key. CurrentVersion only ever changes
// when an attempt completes.
type Entry struct {
	Key            Key               `json:"key"`
	CurrentVersion billing.VersionID `json:"currentVersion,omitempty"`
	Status         Status            `json:"status"`
	LastAttempt    *Attempt          `json:"lastAttempt,omitempty"`
}

// Handle refers to an attempt started with BeginAttempt.
type Handle struct {
	AttemptID string
	Key       Key
	Version   billing.VersionID
}

//go:generate mockgen -destination=mock/mock_state.go -package=mock github.com/kube-reporting/billing-ingest/pkg/state Store

// Store durably records which version of every billing period has been
// loaded. Implementations must make BeginAttempt an atomic compare-and-set
// on the key's status.
type Store interface {
	// CurrentVersion returns the version of the last completed load, and
	// false if the key was never loaded successfully.
	CurrentVersion(ctx context.Context, key Key) (billing.VersionID, bool, error)
	// Get returns the entry for key, with status NotStarted if unknown.
	Get(ctx context.Context, key Key) (Entry, error)
	// BeginAttempt marks key InProgress. It fails with
	// billing.ErrConflictingAttempt when key is already InProgress.
	BeginAttempt(ctx context.Context, key Key, version billing.VersionID) (Handle, error)
	// CompleteAttempt marks the attempt Completed and makes its version
	// current. Completing the same handle again is a no-op.
	CompleteAttempt(ctx context.Context, h Handle, fileCount, rowCount int64) error
	// FailAttempt marks the attempt Failed, keeping the current version.
	// Failing the same handle again is a no-op.
	FailAttempt(ctx context.Context, h Handle, message string) error
	// History returns the attempts for key, newest first.
	History(ctx context.Context, key Key) ([]Attempt, error)
	// List returns the entries of every period of an export, ascending.
	List(ctx context.Context, vendor, export string) ([]Entry, error)
	// Reset forgets all state and history of an export. It fails with
	// billing.ErrConflictingAttempt while any period is InProgress.
	Reset(ctx context.Context, vendor, export string) error
	Close() error
}

// AbandonAttempt fails the attempt attemptID of key if it is still the
// period's InProgress attempt. It recovers periods whose loading process
// died before finishing, and must only be used once that process is known
// to be gone.
func AbandonAttempt(ctx context.Context, store Store, key Key, attemptID, message string) (Attempt, error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return Attempt{}, err
	}
	h := Handle{AttemptID: attemptID, Key: key}
	if entry.Status != StatusInProgress || entry.LastAttempt == nil || entry.LastAttempt.ID != attemptID {
		return Attempt{}, noActiveErr(h)
	}
	h.Version = entry.LastAttempt.Version
	if err := store.FailAttempt(ctx, h, message); err != nil {
		return Attempt{}, err
	}
	attempt := *entry.LastAttempt
	attempt.Status = StatusFailed
	attempt.ErrorMessage = message
	return attempt, nil
}

func conflictErr(key Key) error {
	return fmt.Errorf("%s: %w", key, billing.ErrConflictingAttempt)
}

func noActiveErr(h Handle) error {
	return fmt.Errorf("attempt %s for %s: %w", h.AttemptID, h.Key, billing.ErrNoActiveAttempt)
}

// timeFormat is used by the stores which persist timestamps as text.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}
