// Package constants holds the engine's default sizing and timing
// constants, shared by the root package and the internal packages that
// cannot import it directly (nsentry, transport) without a cycle.
package constants

import "time"

// Sizing defaults.
const (
	// DefaultQueueDepth is the default in-flight logical I/O budget per
	// worker when a caller doesn't set Config.IODepth.
	DefaultQueueDepth = 128

	// DefaultLogicalBlockSize is the default namespace block size in
	// bytes, used when a namespace is opened without an explicit one.
	DefaultLogicalBlockSize = 512

	// DefaultMaxIOSize is a 1 MiB payload-size default. Run does not use
	// it: the DMA arena's largest block is sized from Config.IOSizeBytes.
	DefaultMaxIOSize = 1 << 20

	// DefaultIOAlign is the default DMA buffer alignment in bytes.
	DefaultIOAlign = 4096

	// DefaultIOUnitSize is the default per-iovec chunk size used when
	// splitting a payload in SetupPayload.
	DefaultIOUnitSize = 4096

	// MaxCompletions bounds how many completions CheckIO reaps in one
	// poll call.
	MaxCompletions = 32
)

// Timing constants for namespace-worker-context lifecycle.
//
// The engine busy-polls queue-pair connect status the same way ublk's
// waitLive busy-polls for the block device node to appear: a startup
// delay, then periodic polling up to a bounded timeout.
const (
	// ConnectTimeout is how long Init busy-polls for every queue pair
	// on a namespace-worker context to report connected, per spec.md
	// §4.3, before failing the step.
	ConnectTimeout = 10 * time.Second

	// ConnectPollInterval is how often Init rechecks connect status
	// within ConnectTimeout.
	ConnectPollInterval = 10 * time.Millisecond
)

// Latency pipeline constants.
const (
	// LatencySampleInterval is the 1 Hz aggregation tick of §4.7.
	LatencySampleInterval = 1 * time.Second
)
