package latency

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// Writer implements the fd-per-flush pattern Design Note §9 calls out
// as intentional (crash-durability over keeping a handle open): every
// flush opens, appends, and closes the file.
type Writer struct {
	Path string
}

func NewWriter(path string) *Writer { return &Writer{Path: path} }

func splitSecNsec(d time.Duration) (sec, nsec int64) {
	ns := d.Nanoseconds()
	return ns / 1_000_000_000, ns % 1_000_000_000
}

// WriteRows appends one CSV row per Row, formatted as
// `id,ns_id,stage_name,latency.sec:latency.nsec,io_num,avg.sec:avg.nsec`,
// grouping rows by namespace with a blank line terminating each
// six-row group, per spec.md §4.7.
func (w *Writer) WriteRows(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("nofrep: latency csv open %s: %w", w.Path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	lastNS := rows[0].NSID
	for _, r := range rows {
		if r.NSID != lastNS {
			// Blank-line group separator, written through the same
			// buffered csv.Writer so it lands in the fd in the right
			// order relative to the records around it: Write with a
			// zero-field record emits nothing but the line terminator.
			if err := cw.Write(nil); err != nil {
				return fmt.Errorf("nofrep: latency csv write separator: %w", err)
			}
			lastNS = r.NSID
		}
		latSec, latNsec := splitSecNsec(r.Total)
		var avg time.Duration
		if r.Count > 0 {
			avg = r.Total / time.Duration(r.Count)
		}
		avgSec, avgNsec := splitSecNsec(avg)
		rec := []string{
			fmt.Sprintf("%d", r.ID),
			fmt.Sprintf("%d", r.NSID),
			r.Stage.String(),
			fmt.Sprintf("%d:%d", latSec, latNsec),
			fmt.Sprintf("%d", r.Count),
			fmt.Sprintf("%d:%d", avgSec, avgNsec),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("nofrep: latency csv write: %w", err)
		}
	}
	if err := cw.Write(nil); err != nil {
		return fmt.Errorf("nofrep: latency csv write separator: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// RunConsumer drains rowsCh, writing every batch to w, until the
// channel closes or timeout elapses — spec.md §4.7's "a dedicated
// consumer thread drains the queue... until a timeout
// (run_time*1.2+6 seconds) elapses".
func RunConsumer(w *Writer, rowsCh <-chan []Row, timeout time.Duration) {
	RunConsumerMulti([]*Writer{w}, rowsCh, timeout)
}

// RunConsumerMulti is RunConsumer fanned out to every writer in ws: one
// sampler, one rows channel, but each snapshot batch is appended to
// every writer in turn. spec.md §6's persisted state is two CSV files —
// one per-host, one per-target — and in this single-process harness the
// initiator and the target it loops back to share one clock domain, so
// both files are legitimately the same row stream rather than two
// independently-sampled ones (see DESIGN.md).
func RunConsumerMulti(ws []*Writer, rowsCh <-chan []Row, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case rows, ok := <-rowsCh:
			if !ok {
				return
			}
			for _, w := range ws {
				_ = w.WriteRows(rows)
			}
		case <-deadline.C:
			return
		}
	}
}
