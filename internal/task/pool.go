// Package task manages the lifetime of primary and copy siblings and
// their DMA payloads.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/cloudwego/gopkg/unsafex/malloc"
)

// Sibling is one sub-operation of a logical I/O. The primary and every
// copy share this type, distinguished by IsPrimary; a copy's MainTask
// points at the primary's arena index rather than a pointer, so the
// arena owns payloads and there are no cyclic references (see Design
// Notes on intrusive lists).
type Sibling struct {
	ArenaIndex uint32
	IsPrimary  bool
	MainTask   uint32 // arena index of the primary; self-index when IsPrimary

	NamespaceID int
	IOVecs      [][]byte
	MDIOVec     []byte

	CreateTime   time.Time
	SubmitTime   time.Time
	CompleteTime time.Time

	// IOID, OffsetInIOs and IsRead are also written on copies
	// (ReassignIOID on reissue, SubmitReplicated on each submission);
	// the fields from SiblingList on are primary-only and zero on copies.
	IOID            uint64
	OffsetInIOs     int64
	IsRead          bool
	SiblingList     []uint32 // arena indices, insertion-ordered, includes the primary
	RepCompletedNum int
	Payload         []byte
	MDPayload       []byte
	ProtectionInfo  bool
	payloadFromBuddy bool

	inUse bool
}

// Pool is the arena of sibling slots plus the DMA payload allocators
// backing them. maxIOSize bounds the buddy allocator's largest block;
// requests above that fall back to mempool's bucketed sync.Pool.
type Pool struct {
	mu      sync.Mutex
	arena   []Sibling
	free    []uint32
	buddy   *malloc.BuddyAllocator
	ioAlign int
}

// NewPool builds an arena sized for capacity siblings and a DMA buddy
// arena of arenaBytes backing payloads up to maxIOSize each.
func NewPool(capacity int, arenaBytes, maxIOSize, ioAlign int) (*Pool, error) {
	buddy, err := malloc.NewBuddyAllocatorWithBlockSize(make([]byte, arenaBytes), 4096, nextPow2(maxIOSize))
	if err != nil {
		return nil, fmt.Errorf("nofrep: building DMA arena: %w", err)
	}
	p := &Pool{
		arena:   make([]Sibling, capacity),
		free:    make([]uint32, capacity),
		buddy:   buddy,
		ioAlign: ioAlign,
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = uint32(capacity - 1 - i)
	}
	return p, nil
}

func nextPow2(n int) int {
	p := 4096
	for p < n {
		p <<= 1
	}
	return p
}

func (p *Pool) allocSlot() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, fmt.Errorf("nofrep: sibling arena exhausted")
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.arena[idx].inUse = true
	return idx, nil
}

func (p *Pool) freeSlot(idx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arena[idx] = Sibling{}
	p.free = append(p.free, idx)
}

// Get resolves an arena index to its Sibling. The returned pointer is
// stable for the slot's lifetime (not across free/realloc).
func (p *Pool) Get(idx uint32) *Sibling { return &p.arena[idx] }

// allocPayload serves size bytes from the buddy arena when it fits
// within the arena's max block; larger (or exhausted-arena) requests
// overflow to mempool's bucketed sync.Pool.
func (p *Pool) allocPayload(size int) (buf []byte, fromBuddy bool) {
	if buf := p.buddy.Alloc(size); buf != nil {
		return buf[:size], true
	}
	return mempool.Malloc(size), false
}

func (p *Pool) freePayloadBuf(buf []byte, fromBuddy bool) {
	if buf == nil {
		return
	}
	if fromBuddy {
		p.buddy.Free(buf)
		return
	}
	mempool.Free(buf)
}

// SetupPayload allocates a payload of ioSizeBytes from the buddy arena
// (or mempool on overflow) and fills it with pattern, building iovecs
// that split the payload into ceil(ioSizeBytes/ioUnitSize) chunks. The
// pool's ioAlign is not applied: the buffer has whatever alignment the
// serving allocator gives it.
func SetupPayload(s *Sibling, ioSizeBytes, ioUnitSize int, pattern byte, pool *Pool) {
	buf, fromBuddy := pool.allocPayload(ioSizeBytes)
	for i := range buf {
		buf[i] = pattern
	}
	s.Payload = buf
	s.payloadFromBuddy = fromBuddy
	chunks := (ioSizeBytes + ioUnitSize - 1) / ioUnitSize
	s.IOVecs = make([][]byte, 0, chunks)
	for off := 0; off < ioSizeBytes; off += ioUnitSize {
		end := off + ioUnitSize
		if end > ioSizeBytes {
			end = ioSizeBytes
		}
		s.IOVecs = append(s.IOVecs, buf[off:end])
	}
}

// AllocatePrimary allocates a primary sibling, sets up its payload with
// the fill pattern queue_depth%8+1, and initializes a sibling list
// containing only itself.
func (p *Pool) AllocatePrimary(ioID uint64, nsID int, queueDepth, ioSizeBytes, ioUnitSize int) (*Sibling, error) {
	idx, err := p.allocSlot()
	if err != nil {
		return nil, fmt.Errorf("nofrep: allocate_primary: %w", err)
	}
	s := p.Get(idx)
	s.ArenaIndex = idx
	s.IsPrimary = true
	s.MainTask = idx
	s.NamespaceID = nsID
	s.IOID = ioID
	s.SiblingList = []uint32{idx}

	pattern := byte(queueDepth%8 + 1)
	SetupPayload(s, ioSizeBytes, ioUnitSize, pattern, p)
	return s, nil
}

// CloneInto allocates a copy sibling of primary, duplicating its iovec
// count and bitwise-copying the iovec entries so iov_base is shared
// (the copy never owns payload), then links the copy into the
// primary's sibling list.
func (p *Pool) CloneInto(primary *Sibling, nsID int) (*Sibling, error) {
	idx, err := p.allocSlot()
	if err != nil {
		return nil, fmt.Errorf("nofrep: clone_into: %w", err)
	}
	c := p.Get(idx)
	c.ArenaIndex = idx
	c.IsPrimary = false
	c.MainTask = primary.ArenaIndex
	c.NamespaceID = nsID

	c.IOVecs = make([][]byte, len(primary.IOVecs))
	copy(c.IOVecs, primary.IOVecs) // shares iov_base: same backing arrays
	c.MDIOVec = primary.MDIOVec

	primary.SiblingList = append(primary.SiblingList, idx)
	return c, nil
}

// SendPrimaryLast physically moves the primary's own arena index to
// the end of its sibling list, implementing -f/--final-send-main-rep:
// the primary is temporarily removed and re-appended after every copy,
// so SubmitReplicated walks [copy_1, copy_2, ..., primary] instead of
// [primary, copy_1, copy_2, ...].
func (p *Pool) SendPrimaryLast(primary *Sibling) {
	reordered := make([]uint32, 0, len(primary.SiblingList))
	for _, idx := range primary.SiblingList {
		if idx != primary.ArenaIndex {
			reordered = append(reordered, idx)
		}
	}
	reordered = append(reordered, primary.ArenaIndex)
	primary.SiblingList = reordered
}

// ReassignIOID gives every sibling of primary the next io_id after a
// reissue, per the coordinator's recycle step.
func (p *Pool) ReassignIOID(primary *Sibling, newIOID uint64) {
	for _, idx := range primary.SiblingList {
		p.Get(idx).IOID = newIOID
	}
}

// ReleaseReplicaGroup frees the DMA payload exactly once (owned by the
// primary), then frees every sibling's iovec array, then returns every
// non-primary sibling to the arena, then the primary.
func (p *Pool) ReleaseReplicaGroup(primary *Sibling) {
	p.freePayloadBuf(primary.Payload, primary.payloadFromBuddy)
	mempool.Free(primary.MDPayload)
	primary.Payload = nil
	primary.MDPayload = nil

	for _, idx := range primary.SiblingList {
		s := p.Get(idx)
		s.IOVecs = nil
		s.MDIOVec = nil
	}
	for _, idx := range primary.SiblingList {
		if idx == primary.ArenaIndex {
			continue
		}
		p.freeSlot(idx)
	}
	p.freeSlot(primary.ArenaIndex)
}
