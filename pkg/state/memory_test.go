package state_test

import (
	"testing"

	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/pkg/state"
	"github.com/kube-reporting/billing-ingest/pkg/state/statetest"
)

func TestMemoryStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T, clk clock.PassiveClock) state.Store {
		return state.NewMemoryStore(clk)
	})
}
