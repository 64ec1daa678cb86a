package nofrep

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing — the same
// bucket ladder the teacher used for its per-device metrics, reused
// here for per-namespace completion latency.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// EngineStats aggregates the process-wide totals behind the final
// summary's latency line: sibling completion and error counts across
// all namespaces, bytes moved, and a latency histogram, all atomic so every
// worker's completion callback can update them without a lock.
type EngineStats struct {
	IOCompleted atomic.Uint64
	IOErrors    atomic.Uint64
	BytesDone   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewEngineStats creates a stats accumulator stamped with the current
// time as its start.
func NewEngineStats() *EngineStats {
	s := &EngineStats{}
	s.StartTime.Store(time.Now().UnixNano())
	return s
}

// RecordCompletion records one sibling's completion: byte count,
// success/failure, and its latency histogram bucket.
func (s *EngineStats) RecordCompletion(bytes uint64, latencyNs uint64, success bool) {
	s.IOCompleted.Add(1)
	if success {
		s.BytesDone.Add(bytes)
	} else {
		s.IOErrors.Add(1)
	}
	s.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			s.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the run as finished, fixing Snapshot's uptime computation.
func (s *EngineStats) Stop() {
	s.StopTime.Store(time.Now().UnixNano())
}

// EngineStatsSnapshot is a point-in-time view of EngineStats with the
// derived rates and latency percentiles behind the final summary.
type EngineStatsSnapshot struct {
	IOCompleted uint64
	IOErrors    uint64
	BytesDone   uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	IOPS      float64
	Bandwidth float64 // bytes/sec
	ErrorRate float64 // percent

	UptimeNs uint64
}

// Snapshot computes a point-in-time snapshot, including histogram-
// interpolated latency percentiles, following the teacher's
// calculatePercentile approach.
func (s *EngineStats) Snapshot() EngineStatsSnapshot {
	snap := EngineStatsSnapshot{
		IOCompleted: s.IOCompleted.Load(),
		IOErrors:    s.IOErrors.Load(),
		BytesDone:   s.BytesDone.Load(),
	}

	start := s.StartTime.Load()
	stop := s.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.IOCompleted > 0 {
		snap.AvgLatencyNs = s.TotalLatencyNs.Load() / snap.IOCompleted
	}
	if snap.UptimeNs > 0 {
		uptimeSec := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.IOCompleted) / uptimeSec
		snap.Bandwidth = float64(snap.BytesDone) / uptimeSec
	}
	if snap.IOCompleted > 0 {
		snap.ErrorRate = float64(snap.IOErrors) / float64(snap.IOCompleted) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = s.LatencyBuckets[i].Load()
	}
	if snap.IOCompleted > 0 {
		snap.LatencyP50Ns = s.percentile(0.50)
		snap.LatencyP99Ns = s.percentile(0.99)
		snap.LatencyP999Ns = s.percentile(0.999)
	}
	return snap
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// via linear interpolation between cumulative histogram buckets.
func (s *EngineStats) percentile(p float64) uint64 {
	total := s.IOCompleted.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := s.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = s.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(frac*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}
