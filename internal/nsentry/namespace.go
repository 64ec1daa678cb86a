// Package nsentry models an opened I/O target: the namespace entry
// data described in the data model, created once at startup and
// read-mostly thereafter.
package nsentry

import (
	"fmt"
	"math/rand"

	"github.com/nofrep/nofrep/internal/constants"
)

// TransportKind names one of the three transport vtable variants.
type TransportKind string

const (
	TransportNVMe  TransportKind = "nvme"
	TransportAIO   TransportKind = "aio"
	TransportURing TransportKind = "uring"
)

// Namespace describes one opened I/O target.
type Namespace struct {
	ID int

	Transport TransportKind

	// SizeInIOs is device_capacity / io_size_bytes / io_limit.
	SizeInIOs int64

	BlockSize    int
	IOSizeBlocks int64

	// MetadataSize is zero when no separate metadata iovec is used.
	MetadataSize int
	ProtectionInfo bool

	seed uint32
	rng  *rand.Rand
	zipf *rand.Zipf
}

// Open constructs a Namespace entry. capacityBytes and ioLimit follow
// size_in_ios = device_capacity / io_size_bytes / io_limit; ioLimit of
// 0 is treated as 1 (no restriction), matching -K/--io-limit's default.
func Open(id int, transport TransportKind, capacityBytes int64, ioSizeBytes, blockSize int, ioLimit int, seed uint32) (*Namespace, error) {
	if blockSize <= 0 {
		blockSize = constants.DefaultLogicalBlockSize
	}
	if ioSizeBytes <= 0 || ioSizeBytes%blockSize != 0 {
		return nil, fmt.Errorf("nofrep: io size %d must be a positive multiple of block size %d", ioSizeBytes, blockSize)
	}
	if ioLimit <= 0 {
		ioLimit = 1
	}
	sizeInIOs := capacityBytes / int64(ioSizeBytes) / int64(ioLimit)
	if sizeInIOs <= 0 {
		return nil, fmt.Errorf("nofrep: namespace %d capacity %d too small for io size %d and io-limit %d", id, capacityBytes, ioSizeBytes, ioLimit)
	}
	ns := &Namespace{
		ID:           id,
		Transport:    transport,
		SizeInIOs:    sizeInIOs,
		BlockSize:    blockSize,
		IOSizeBlocks: int64(ioSizeBytes / blockSize),
		seed:         seed,
		rng:          rand.New(rand.NewSource(int64(seed))),
	}
	return ns, nil
}

// EnableZipf installs a Zipf-distributed offset generator over
// [0, SizeInIOs). theta must be > 0; rand.NewZipf requires s>1 so
// theta is mapped to s = 1+theta, matching common Zipf-skew parameterizations
// where larger theta means heavier skew.
func (n *Namespace) EnableZipf(theta float64) error {
	if theta <= 0 {
		return fmt.Errorf("nofrep: zipf theta must be > 0, got %v", theta)
	}
	z := rand.NewZipf(n.rng, 1+theta, 1, uint64(n.SizeInIOs-1))
	if z == nil {
		return fmt.Errorf("nofrep: invalid zipf parameters for namespace %d (theta=%v, size_in_ios=%d)", n.ID, theta, n.SizeInIOs)
	}
	n.zipf = z
	return nil
}

// HasZipf reports whether a Zipf generator is installed.
func (n *Namespace) HasZipf() bool { return n.zipf != nil }

// NextZipfOffset draws the next Zipf-distributed logical I/O offset.
func (n *Namespace) NextZipfOffset() int64 {
	return int64(n.zipf.Uint64())
}

// NextRandomOffset draws offset = rand_r(&seed) mod size_in_ios, using
// the namespace's private RNG stream so results are reproducible given
// a fixed seed regardless of call interleaving from other namespaces.
func (n *Namespace) NextRandomOffset() int64 {
	return n.rng.Int63n(n.SizeInIOs)
}

// NextReadDecision implements the read/write decision: always read at
// rwmixread==100, otherwise a weighted coin flip against rwmixread,
// otherwise always write.
func (n *Namespace) NextReadDecision(rwMixRead int) bool {
	if rwMixRead == 100 {
		return true
	}
	if rwMixRead > 0 {
		return n.rng.Intn(100) < rwMixRead
	}
	return false
}
