// Package statetest holds the behaviour every state.Store must share.
package statetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

// NewStoreFunc returns an empty store using clk. Stores backed by a shared
// server may keep data between calls; every test uses its own export name.
type NewStoreFunc func(t *testing.T, clk clock.PassiveClock) state.Store

var epoch = time.Date(2024, time.March, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store state.Store
	clock *clocktesting.FakeClock
	key   state.Key
}

func (f fixture) keyFor(period string) state.Key {
	k := f.key
	k.Period = billing.MustParsePeriod(period)
	return k
}

func setup(t *testing.T, newStore NewStoreFunc) fixture {
	clk := clocktesting.NewFakeClock(epoch)
	store := newStore(t, clk)
	t.Cleanup(func() { store.Close() })
	return fixture{
		store: store,
		clock: clk,
		key: state.Key{
			Vendor: "aws",
			Export: "cur-" + uuid.New().String()[:8],
			Period: billing.MustParsePeriod("2024-01"),
		},
	}
}

// Run exercises newStore against the Store contract.
func Run(t *testing.T, newStore NewStoreFunc) {
	tests := map[string]func(t *testing.T, f fixture){
		"unknown key is not started":           testUnknownKey,
		"complete sets current version":         testComplete,
		"begin conflicts while in progress":     testConflict,
		"fail keeps previous version":           testFailKeepsVersion,
		"finishing twice":                       testFinishTwice,
		"history is newest first":               testHistory,
		"concurrent begins admit one":           testConcurrentBegin,
		"list is ordered by period":             testList,
		"reset forgets an export":               testReset,
		"abandon a dangling attempt":            testAbandon,
		"keys of other periods are independent": testIndependentKeys,
	}
	for name, fn := range tests {
		fn := fn
		t.Run(name, func(t *testing.T) {
			fn(t, setup(t, newStore))
		})
	}
}

func testUnknownKey(t *testing.T, f fixture) {
	ctx := context.Background()
	entry, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, state.StatusNotStarted, entry.Status)
	assert.Nil(t, entry.LastAttempt)

	_, ok, err := f.store.CurrentVersion(ctx, f.key)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := f.store.History(ctx, f.key)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testComplete(t *testing.T, f fixture) {
	ctx := context.Background()
	h, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)
	assert.Equal(t, billing.VersionID("g1"), h.Version)

	entry, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, entry.Status)
	assert.True(t, entry.CurrentVersion.IsZero())

	f.clock.Step(time.Minute)
	require.NoError(t, f.store.CompleteAttempt(ctx, h, 2, 300))

	version, ok, err := f.store.CurrentVersion(ctx, f.key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, billing.VersionID("g1"), version)

	entry, err = f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, entry.Status)
	require.NotNil(t, entry.LastAttempt)
	assert.Equal(t, h.AttemptID, entry.LastAttempt.ID)
	assert.Equal(t, int64(2), entry.LastAttempt.FileCount)
	assert.Equal(t, int64(300), entry.LastAttempt.RowCount)
	assert.True(t, epoch.Equal(entry.LastAttempt.StartedAt), "started at %s", entry.LastAttempt.StartedAt)
	assert.True(t, epoch.Add(time.Minute).Equal(entry.LastAttempt.CompletedAt), "completed at %s", entry.LastAttempt.CompletedAt)
}

func testConflict(t *testing.T, f fixture) {
	ctx := context.Background()
	h, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)

	_, err = f.store.BeginAttempt(ctx, f.key, "g2")
	assert.ErrorIs(t, err, billing.ErrConflictingAttempt)

	require.NoError(t, f.store.CompleteAttempt(ctx, h, 1, 1))
	_, err = f.store.BeginAttempt(ctx, f.key, "g2")
	assert.NoError(t, err)
}

func testFailKeepsVersion(t *testing.T, f fixture) {
	ctx := context.Background()
	h1, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(ctx, h1, 1, 10))

	h2, err := f.store.BeginAttempt(ctx, f.key, "g2")
	require.NoError(t, err)
	require.NoError(t, f.store.FailAttempt(ctx, h2, "parse error"))

	version, ok, err := f.store.CurrentVersion(ctx, f.key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, billing.VersionID("g1"), version)

	entry, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, entry.Status)
	require.NotNil(t, entry.LastAttempt)
	assert.Equal(t, "parse error", entry.LastAttempt.ErrorMessage)
	assert.Equal(t, billing.VersionID("g2"), entry.LastAttempt.Version)
}

func testFinishTwice(t *testing.T, f fixture) {
	ctx := context.Background()
	completed, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(ctx, completed, 1, 1))
	assert.NoError(t, f.store.CompleteAttempt(ctx, completed, 1, 1))
	assert.ErrorIs(t, f.store.FailAttempt(ctx, completed, "late"), billing.ErrNoActiveAttempt)

	failed, err := f.store.BeginAttempt(ctx, f.key, "g2")
	require.NoError(t, err)
	require.NoError(t, f.store.FailAttempt(ctx, failed, "boom"))
	assert.NoError(t, f.store.FailAttempt(ctx, failed, "boom"))
	assert.ErrorIs(t, f.store.CompleteAttempt(ctx, failed, 1, 1), billing.ErrNoActiveAttempt)

	unknown := state.Handle{AttemptID: uuid.New().String(), Key: f.key, Version: "g3"}
	assert.ErrorIs(t, f.store.CompleteAttempt(ctx, unknown, 0, 0), billing.ErrNoActiveAttempt)
	assert.ErrorIs(t, f.store.FailAttempt(ctx, unknown, ""), billing.ErrNoActiveAttempt)

	version, _, err := f.store.CurrentVersion(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, billing.VersionID("g1"), version)
}

func testHistory(t *testing.T, f fixture) {
	ctx := context.Background()
	var ids []string
	for i, version := range []billing.VersionID{"g1", "g2", "g3"} {
		h, err := f.store.BeginAttempt(ctx, f.key, version)
		require.NoError(t, err)
		ids = append(ids, h.AttemptID)
		f.clock.Step(time.Second)
		if i == 1 {
			require.NoError(t, f.store.FailAttempt(ctx, h, "boom"))
		} else {
			require.NoError(t, f.store.CompleteAttempt(ctx, h, 1, int64(i)))
		}
	}

	history, err := f.store.History(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
	assert.Equal(t, ids[0], history[2].ID)
	assert.Equal(t, state.StatusFailed, history[1].Status)
	assert.Equal(t, state.StatusCompleted, history[0].Status)
	assert.Equal(t, f.key, history[0].Key)
	assert.True(t, history[0].StartedAt.After(history[2].StartedAt))
}

func testConcurrentBegin(t *testing.T, f fixture) {
	ctx := context.Background()
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.BeginAttempt(ctx, f.key, "g1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case assert.ErrorIs(t, err, billing.ErrConflictingAttempt):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, conflicts)

	history, err := f.store.History(ctx, f.key)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testList(t *testing.T, f fixture) {
	ctx := context.Background()
	for _, period := range []string{"2024-03", "2023-12", "2024-01"} {
		h, err := f.store.BeginAttempt(ctx, f.keyFor(period), billing.VersionID("v-"+period))
		require.NoError(t, err)
		require.NoError(t, f.store.CompleteAttempt(ctx, h, 1, 1))
	}
	other := f.key
	other.Export = f.key.Export + "-other"
	_, err := f.store.BeginAttempt(ctx, other, "x")
	require.NoError(t, err)

	entries, err := f.store.List(ctx, f.key.Vendor, f.key.Export)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var periods []string
	for _, e := range entries {
		periods = append(periods, e.Key.Period.String())
		assert.Equal(t, billing.VersionID("v-"+e.Key.Period.String()), e.CurrentVersion)
	}
	assert.Equal(t, []string{"2023-12", "2024-01", "2024-03"}, periods)
}

func testReset(t *testing.T, f fixture) {
	ctx := context.Background()
	h, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)
	assert.ErrorIs(t, f.store.Reset(ctx, f.key.Vendor, f.key.Export), billing.ErrConflictingAttempt)

	require.NoError(t, f.store.CompleteAttempt(ctx, h, 1, 1))
	require.NoError(t, f.store.Reset(ctx, f.key.Vendor, f.key.Export))

	entries, err := f.store.List(ctx, f.key.Vendor, f.key.Export)
	require.NoError(t, err)
	assert.Empty(t, entries)
	history, err := f.store.History(ctx, f.key)
	require.NoError(t, err)
	assert.Empty(t, history)
	_, ok, err := f.store.CurrentVersion(ctx, f.key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testAbandon(t *testing.T, f fixture) {
	ctx := context.Background()
	done, err := f.store.BeginAttempt(ctx, f.key, "g1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(ctx, done, 2, 20))

	h, err := f.store.BeginAttempt(ctx, f.key, "g2")
	require.NoError(t, err)

	// only the period's current InProgress attempt can be abandoned
	_, err = state.AbandonAttempt(ctx, f.store, f.key, done.AttemptID, "stale")
	assert.ErrorIs(t, err, billing.ErrNoActiveAttempt)
	_, err = state.AbandonAttempt(ctx, f.store, f.keyFor("2024-02"), h.AttemptID, "stale")
	assert.ErrorIs(t, err, billing.ErrNoActiveAttempt)

	attempt, err := state.AbandonAttempt(ctx, f.store, f.key, h.AttemptID, "loader died")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, attempt.Status)
	assert.Equal(t, billing.VersionID("g2"), attempt.Version)

	entry, err := f.store.Get(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.Equal(t, billing.VersionID("g1"), entry.CurrentVersion)
	require.NotNil(t, entry.LastAttempt)
	assert.Equal(t, "loader died", entry.LastAttempt.ErrorMessage)

	_, err = state.AbandonAttempt(ctx, f.store, f.key, h.AttemptID, "again")
	assert.ErrorIs(t, err, billing.ErrNoActiveAttempt)

	// the period can be loaded again
	_, err = f.store.BeginAttempt(ctx, f.key, "g2")
	require.NoError(t, err)
}

func testIndependentKeys(t *testing.T, f fixture) {
	ctx := context.Background()
	_, err := f.store.BeginAttempt(ctx, f.keyFor("2024-01"), "g1")
	require.NoError(t, err)
	h, err := f.store.BeginAttempt(ctx, f.keyFor("2024-02"), "g1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(ctx, h, 1, 1))

	entry, err := f.store.Get(ctx, f.keyFor("2024-01"))
	require.NoError(t, err)
	assert.Equal(t, state.StatusInProgress, entry.Status)
}
