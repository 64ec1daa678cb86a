// Package latency implements the per-stage latency aggregation
// pipeline of spec.md §4.7: six named accumulators per namespace,
// mutex-guarded, snapshotted and zeroed once a second and delivered to
// a writer goroutine over a channel — Design Note §9's recommended
// substitution for the C core's SysV msgsnd/msgrcv, preserving the row
// layout and the "file append is the only I/O" property.
package latency

import (
	"sync"
	"time"
)

// Stage names an accumulator slot, in the emission order spec.md §4.7
// fixes for the CSV writer.
type Stage int

const (
	StageTaskQueue Stage = iota
	StageTaskComplete
	StageReqSend
	StageReqComplete
	StageWrSend
	StageWrComplete
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageTaskQueue:
		return "task_queue"
	case StageTaskComplete:
		return "task_complete"
	case StageReqSend:
		return "req_send"
	case StageReqComplete:
		return "req_complete"
	case StageWrSend:
		return "wr_send"
	case StageWrComplete:
		return "wr_complete"
	default:
		return "unknown"
	}
}

// Stages lists every stage in CSV emission order.
var Stages = [numStages]Stage{StageTaskQueue, StageTaskComplete, StageReqSend, StageReqComplete, StageWrSend, StageWrComplete}

// accumulator is one {total_duration, io_count} pair.
type accumulator struct {
	total time.Duration
	count uint64
}

// Row is one stage's accumulator for one namespace; each 1 Hz tick
// posts six Rows per namespace down the delivery channel.
type Row struct {
	ID    uint64
	NSID  int
	Stage Stage
	Total time.Duration
	Count uint64
}

// Aggregator is the process-wide latency_msg of spec.md §4.7: one row
// of six accumulators per namespace, guarded by a single mutex so
// mutex hold time stays O(1) per update (Design Note §9).
type Aggregator struct {
	mu   sync.Mutex
	rows map[int]*[numStages]accumulator

	nextID uint64

	rowsCh chan []Row
}

// New builds an Aggregator that delivers snapshots on a buffered
// channel of the given depth.
func New(chanDepth int) *Aggregator {
	return &Aggregator{
		rows:   make(map[int]*[numStages]accumulator),
		rowsCh: make(chan []Row, chanDepth),
	}
}

// Rows returns the channel the writer goroutine drains.
func (a *Aggregator) Rows() <-chan []Row { return a.rowsCh }

// Record adds one duration sample to nsID's stage accumulator. This is
// the only hot-path entry point; its mutex hold time is one addition
// and one increment.
func (a *Aggregator) Record(nsID int, stage Stage, d time.Duration) {
	a.mu.Lock()
	row, ok := a.rows[nsID]
	if !ok {
		row = &[numStages]accumulator{}
		a.rows[nsID] = row
	}
	row[stage].total += d
	row[stage].count++
	a.mu.Unlock()
}

// snapshotAndZero copies every namespace's six accumulators into a
// flat Row slice then zeros them, atomically under the same mutex
// acquisition so no sample is lost between a reader's snapshot and the
// writer's reset (spec.md §4.7's no-lost-samples contract).
func (a *Aggregator) snapshotAndZero() []Row {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.rows) == 0 {
		return nil
	}
	out := make([]Row, 0, len(a.rows)*int(numStages))
	for nsID, row := range a.rows {
		a.nextID++
		id := a.nextID
		for _, stage := range Stages {
			acc := row[stage]
			out = append(out, Row{ID: id, NSID: nsID, Stage: stage, Total: acc.total, Count: acc.count})
		}
		*row = [numStages]accumulator{}
	}
	return out
}

// Run drives the 1 Hz sampler timer until ctx-equivalent stop fires;
// callers typically run this in its own goroutine. interval defaults
// to spec.md §4.7's 1 Hz tick when zero.
func (a *Aggregator) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(a.rowsCh)
	for {
		select {
		case <-stop:
			if rows := a.snapshotAndZero(); rows != nil {
				a.rowsCh <- rows
			}
			return
		case <-ticker.C:
			if rows := a.snapshotAndZero(); rows != nil {
				a.rowsCh <- rows
			}
		}
	}
}
