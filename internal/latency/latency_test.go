package latency

import (
	"testing"
	"time"
)

func TestRecordAndSnapshotAndZero(t *testing.T) {
	a := New(4)
	a.Record(1, StageTaskQueue, 10*time.Millisecond)
	a.Record(1, StageTaskQueue, 20*time.Millisecond)
	a.Record(1, StageTaskComplete, 5*time.Millisecond)
	a.Record(2, StageReqSend, 1*time.Millisecond)

	rows := a.snapshotAndZero()
	if len(rows) != int(numStages)*2 {
		t.Fatalf("expected %d rows (2 namespaces x %d stages), got %d", int(numStages)*2, numStages, len(rows))
	}

	var found bool
	for _, r := range rows {
		if r.NSID == 1 && r.Stage == StageTaskQueue {
			found = true
			if r.Count != 2 {
				t.Errorf("expected count 2 for ns=1 task_queue, got %d", r.Count)
			}
			if r.Total != 30*time.Millisecond {
				t.Errorf("expected total 30ms for ns=1 task_queue, got %v", r.Total)
			}
		}
	}
	if !found {
		t.Error("expected a row for ns=1 task_queue")
	}

	// A second snapshot immediately after keeps both namespaces' rows,
	// with every accumulator zeroed: Record+zero must not leak samples
	// across snapshots.
	rows2 := a.snapshotAndZero()
	if len(rows2) != int(numStages)*2 {
		t.Fatalf("expected %d zeroed rows after zeroing, got %d", int(numStages)*2, len(rows2))
	}
	for _, r := range rows2 {
		if r.Count != 0 || r.Total != 0 {
			t.Errorf("expected zeroed row after zeroing, got ns=%d stage=%s count=%d total=%v", r.NSID, r.Stage, r.Count, r.Total)
		}
	}
}

func TestSnapshotAndZeroEmptyIsNil(t *testing.T) {
	a := New(1)
	if rows := a.snapshotAndZero(); rows != nil {
		t.Errorf("expected nil rows for an aggregator with no recorded samples, got %v", rows)
	}
}

func TestRunDeliversOnStop(t *testing.T) {
	a := New(1)
	a.Record(5, StageWrComplete, time.Millisecond)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		a.Run(stop, time.Hour) // long interval so only the stop-triggered flush fires
		close(done)
	}()

	close(stop)
	select {
	case rows := <-a.Rows():
		if len(rows) == 0 {
			t.Error("expected a non-empty final flush on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final flush on stop")
	}
	<-done
}

func TestStageString(t *testing.T) {
	for _, s := range Stages {
		if s.String() == "unknown" {
			t.Errorf("stage %d should have a name", s)
		}
	}
}
