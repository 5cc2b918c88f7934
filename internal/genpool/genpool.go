// Package genpool manages a fixed address range with a best-fit free list.
//
// It backs the carveout, chunk and CMA heaps. Free ranges live in a min-heap
// keyed on size, so the smallest range that satisfies a request (after
// alignment padding) wins. Two indexes keyed on a range's start and end make
// coalescing with both neighbours O(1) on free.
//
// Pool is safe for concurrent use.
package genpool

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoSpace indicates that no free range can hold the request.
	ErrNoSpace = errors.New("genpool: no free range large enough")

	// ErrBadRange indicates a free of a range this pool did not hand out.
	ErrBadRange = errors.New("genpool: range not allocated from this pool")

	// ErrBadAlign indicates an alignment that is not a power of two.
	ErrBadAlign = errors.New("genpool: alignment must be a power of two")
)

// Range is a half-open address range [Start, Start+Size).
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the first address past r.
func (r Range) End() uint64 { return r.Start + r.Size }

// freeRange is a free range stored in the min-heap.
type freeRange struct {
	off       uint64
	size      uint64
	heapIndex int
}

// freeRangeHeap implements heap.Interface keyed on range size.
type freeRangeHeap []*freeRange

func (h *freeRangeHeap) Len() int { return len(*h) }

func (h *freeRangeHeap) Less(i, j int) bool {
	if (*h)[i].size == (*h)[j].size {
		return (*h)[i].off < (*h)[j].off
	}
	return (*h)[i].size < (*h)[j].size
}

func (h *freeRangeHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeRangeHeap) Push(x any) {
	r := x.(*freeRange) //nolint:errcheck // heap.Interface contract guarantees type
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *freeRangeHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	r.heapIndex = -1
	*h = old[0 : n-1]
	return r
}

// Stats holds allocator counters.
type Stats struct {
	AllocCalls       int
	AllocFailures    int
	FreeCalls        int
	CoalesceForward  int
	CoalesceBackward int
}

// Pool hands out sub-ranges of [base, base+size).
type Pool struct {
	mu sync.Mutex

	base    uint64
	size    uint64
	granule uint64

	free   freeRangeHeap
	byOff  map[uint64]*freeRange // start -> range
	endIdx map[uint64]uint64     // end -> start, for backward coalescing
	used   map[uint64]uint64     // start -> size of live allocations

	avail uint64
	stats Stats
}

// New creates a pool over [base, base+size). Every allocation is rounded up
// to granule, which must be a power of two.
func New(base, size, granule uint64) (*Pool, error) {
	if granule == 0 || granule&(granule-1) != 0 {
		return nil, ErrBadAlign
	}
	if size < granule {
		return nil, fmt.Errorf("genpool: size %d smaller than granule %d", size, granule)
	}
	p := &Pool{
		base:    base,
		size:    size,
		granule: granule,
		byOff:   make(map[uint64]*freeRange),
		endIdx:  make(map[uint64]uint64),
		used:    make(map[uint64]uint64),
	}
	p.insert(base, size)
	p.avail = size
	return p, nil
}

// Base returns the first address of the managed range.
func (p *Pool) Base() uint64 { return p.base }

// Size returns the managed range length.
func (p *Pool) Size() uint64 { return p.size }

// Avail returns the number of free bytes.
func (p *Pool) Avail() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

// Stats returns a copy of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// Alloc reserves size bytes aligned to align and returns the start address.
// align 0 means the pool granule.
func (p *Pool) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = p.granule
	}
	if align&(align-1) != 0 {
		return 0, ErrBadAlign
	}
	if align < p.granule {
		align = p.granule
	}
	if size == 0 {
		return 0, ErrNoSpace
	}
	size = alignUp(size, p.granule)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.AllocCalls++

	if size > p.avail {
		p.stats.AllocFailures++
		return 0, ErrNoSpace
	}

	// Pop candidates smallest-first until one fits after alignment padding.
	var rejects []*freeRange
	var hit *freeRange
	var start uint64
	for p.free.Len() > 0 {
		r := heap.Pop(&p.free).(*freeRange) //nolint:errcheck // heap holds *freeRange only
		if r.size < size {
			rejects = append(rejects, r)
			continue
		}
		s := alignUp(r.off, align)
		if s-r.off+size <= r.size {
			hit, start = r, s
			break
		}
		rejects = append(rejects, r)
	}
	for _, r := range rejects {
		heap.Push(&p.free, r)
	}
	if hit == nil {
		p.stats.AllocFailures++
		return 0, ErrNoSpace
	}

	delete(p.byOff, hit.off)
	delete(p.endIdx, hit.off+hit.size)

	if pad := start - hit.off; pad > 0 {
		p.insert(hit.off, pad)
	}
	if tail := hit.off + hit.size - (start + size); tail > 0 {
		p.insert(start+size, tail)
	}

	p.used[start] = size
	p.avail -= size
	return start, nil
}

// Free returns [addr, addr+size) to the pool. size is rounded the same way
// Alloc rounded it; the range must match a live allocation exactly.
func (p *Pool) Free(addr, size uint64) error {
	size = alignUp(size, p.granule)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.FreeCalls++

	got, ok := p.used[addr]
	if !ok || got != size {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrBadRange, addr, size)
	}
	delete(p.used, addr)
	p.avail += size

	off := addr

	// Coalesce forward.
	if next, ok := p.byOff[off+size]; ok {
		p.stats.CoalesceForward++
		p.remove(next)
		size += next.size
	}

	// Coalesce backward.
	if prevOff, ok := p.endIdx[off]; ok {
		if prev := p.byOff[prevOff]; prev != nil {
			p.stats.CoalesceBackward++
			p.remove(prev)
			off = prev.off
			size += prev.size
		}
	}

	p.insert(off, size)
	return nil
}

// Owns reports whether addr is the start of a live allocation and returns its size.
func (p *Pool) Owns(addr uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.used[addr]
	return size, ok
}

// FreeRanges returns the free ranges sorted by start address.
func (p *Pool) FreeRanges() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Range, 0, len(p.byOff))
	for _, r := range p.byOff {
		out = append(out, Range{Start: r.off, Size: r.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (p *Pool) insert(off, size uint64) {
	r := &freeRange{off: off, size: size}
	heap.Push(&p.free, r)
	p.byOff[off] = r
	p.endIdx[off+size] = off
}

func (p *Pool) remove(r *freeRange) {
	heap.Remove(&p.free, r.heapIndex)
	delete(p.byOff, r.off)
	delete(p.endIdx, r.off+r.size)
}
