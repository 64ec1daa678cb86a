package nofrep

import "github.com/nofrep/nofrep/internal/constants"

// Re-exported sizing/timing defaults, so callers of the root package
// never need to import internal/constants directly.
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize        = constants.DefaultMaxIOSize
	DefaultIOAlign          = constants.DefaultIOAlign
	DefaultIOUnitSize       = constants.DefaultIOUnitSize
	MaxCompletions          = constants.MaxCompletions
)

// HelpReturnCode is the sentinel exit code spec.md §6 reserves for a
// run where only -h/--help was requested.
const HelpReturnCode = 0xFFFF

// HostLatencyCSVPath and TargetLatencyCSVPath are the two compile-time
// CSV output paths spec.md §6 calls "Persisted state".
const (
	HostLatencyCSVPath   = "nofrep-host-latency.csv"
	TargetLatencyCSVPath = "nofrep-target-latency.csv"
)
