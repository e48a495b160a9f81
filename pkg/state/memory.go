package state

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

// MemoryStore keeps state in process memory. It is safe for concurrent use
// but does not survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	entries  map[Key]*Entry
	attempts map[string]*Attempt
	// history holds attempt ids per key, oldest first.
	history map[Key][]string
}

var _ Store = &MemoryStore{}

func NewMemoryStore(clk clock.PassiveClock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clock:    clk,
		entries:  make(map[Key]*Entry),
		attempts: make(map[string]*Attempt),
		history:  make(map[Key][]string),
	}
}

func (s *MemoryStore) CurrentVersion(_ context.Context, key Key) (billing.VersionID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.CurrentVersion.IsZero() {
		return "", false, nil
	}
	return entry.CurrentVersion, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(key), nil
}

func (s *MemoryStore) entryLocked(key Key) Entry {
	entry, ok := s.entries[key]
	if !ok {
		return Entry{Key: key, Status: StatusNotStarted}
	}
	out := *entry
	if entry.LastAttempt != nil {
		a := *entry.LastAttempt
		out.LastAttempt = &a
	}
	return out
}

func (s *MemoryStore) BeginAttempt(_ context.Context, key Key, version billing.VersionID) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.Status == StatusInProgress {
		return Handle{}, conflictErr(key)
	}
	if !ok {
		entry = &Entry{Key: key}
		s.entries[key] = entry
	}

	attempt := &Attempt{
		ID:        uuid.New().String(),
		Key:       key,
		Version:   version,
		Status:    StatusInProgress,
		StartedAt: s.clock.Now().UTC(),
	}
	s.attempts[attempt.ID] = attempt
	s.history[key] = append(s.history[key], attempt.ID)
	entry.Status = StatusInProgress
	entry.LastAttempt = attempt

	return Handle{AttemptID: attempt.ID, Key: key, Version: version}, nil
}

// finishLocked moves the attempt behind h to status. done reports whether
// the attempt already had that status.
func (s *MemoryStore) finishLocked(h Handle, status Status) (attempt *Attempt, done bool, err error) {
	attempt, ok := s.attempts[h.AttemptID]
	if !ok || attempt.Key != h.Key {
		return nil, false, noActiveErr(h)
	}
	switch attempt.Status {
	case status:
		return attempt, true, nil
	case StatusInProgress:
		return attempt, false, nil
	default:
		return nil, false, noActiveErr(h)
	}
}

func (s *MemoryStore) CompleteAttempt(_ context.Context, h Handle, fileCount, rowCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, done, err := s.finishLocked(h, StatusCompleted)
	if err != nil || done {
		return err
	}
	attempt.Status = StatusCompleted
	attempt.CompletedAt = s.clock.Now().UTC()
	attempt.FileCount = fileCount
	attempt.RowCount = rowCount

	entry := s.entries[h.Key]
	entry.Status = StatusCompleted
	entry.CurrentVersion = attempt.Version
	entry.LastAttempt = attempt
	return nil
}

func (s *MemoryStore) FailAttempt(_ context.Context, h Handle, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, done, err := s.finishLocked(h, StatusFailed)
	if err != nil || done {
		return err
	}
	attempt.Status = StatusFailed
	attempt.CompletedAt = s.clock.Now().UTC()
	attempt.ErrorMessage = message

	entry := s.entries[h.Key]
	entry.Status = StatusFailed
	entry.LastAttempt = attempt
	return nil
}

func (s *MemoryStore) History(_ context.Context, key Key) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.history[key]
	out := make([]Attempt, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *s.attempts[ids[i]])
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, vendor, export string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for key := range s.entries {
		if key.Vendor == vendor && key.Export == export {
			out = append(out, s.entryLocked(key))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Period.Before(out[j].Key.Period)
	})
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, vendor, export string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if key.Vendor == vendor && key.Export == export && entry.Status == StatusInProgress {
			return conflictErr(key)
		}
	}
	for key := range s.entries {
		if key.Vendor != vendor || key.Export != export {
			continue
		}
		for _, id := range s.history[key] {
			delete(s.attempts, id)
		}
		delete(s.history, key)
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
