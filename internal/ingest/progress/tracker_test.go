package progress

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTracker_AdvanceAndSnapshot(t *testing.T) {
	tr := New(zerolog.Nop(), "downloading Patient", 100, time.Hour)
	tr.Advance(10, 1)
	tr.Advance(5, 0)

	snap := tr.Snapshot()
	if snap.Processed != 15 || snap.Failed != 1 || snap.Total != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestTracker_DoneDoesNotPanicOnZeroTotal(t *testing.T) {
	tr := New(zerolog.Nop(), "streaming", 0, time.Hour)
	tr.Advance(3, 0)
	tr.Done()
}
