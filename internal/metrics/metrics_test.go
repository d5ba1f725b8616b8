package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSyncCountsOutcomeAndVolume(t *testing.T) {
	sessions := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("merged"))
	pulled := testutil.ToFloat64(syncChangesPulled)
	pushed := testutil.ToFloat64(syncChangesPushed)
	collisions := testutil.ToFloat64(syncCollisionsTotal)

	RecordSync("merged", 25*time.Millisecond, 3, 2, 1)

	if got := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("merged")); got != sessions+1 {
		t.Errorf("merged sessions = %v, want %v", got, sessions+1)
	}
	if got := testutil.ToFloat64(syncChangesPulled); got != pulled+3 {
		t.Errorf("pulled = %v, want %v", got, pulled+3)
	}
	if got := testutil.ToFloat64(syncChangesPushed); got != pushed+2 {
		t.Errorf("pushed = %v, want %v", got, pushed+2)
	}
	if got := testutil.ToFloat64(syncCollisionsTotal); got != collisions+1 {
		t.Errorf("collisions = %v, want %v", got, collisions+1)
	}
}

func TestRecordSyncKeepsOutcomesSeparate(t *testing.T) {
	noop := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("noop"))
	errs := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("error"))

	RecordSync("noop", time.Millisecond, 0, 0, 0)

	if got := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("noop")); got != noop+1 {
		t.Errorf("noop sessions = %v, want %v", got, noop+1)
	}
	if got := testutil.ToFloat64(syncSessionsTotal.WithLabelValues("error")); got != errs {
		t.Errorf("error sessions = %v, want %v (unchanged)", got, errs)
	}
}
