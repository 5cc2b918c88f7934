package page

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Stats counts pages (in 0-order units) moving through a System source.
type Stats struct {
	Allocated int64 // pages handed out since creation
	Freed     int64 // pages returned since creation
	InUse     int64 // Allocated - Freed
}

// System is the system page allocator. It is safe for concurrent use.
type System struct {
	limit int64 // max 0-order pages in use, 0 = unlimited

	allocated atomic.Int64
	freed     atomic.Int64
	inUse     atomic.Int64
}

// SystemOption configures a System source.
type SystemOption func(*System)

// WithLimit caps the number of 0-order pages in use at once.
func WithLimit(pages int64) SystemOption {
	return func(s *System) { s.limit = pages }
}

// NewSystem returns a system page source.
func NewSystem(opts ...SystemOption) *System {
	s := &System{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AllocPages maps 1<<order fresh zeroed pages.
func (s *System) AllocPages(gfp GFP, order uint) (*Page, error) {
	n := int64(1) << order
	if s.limit > 0 {
		if s.inUse.Add(n) > s.limit {
			s.inUse.Add(-n)
			return nil, fmt.Errorf("%w: order %d over limit %d", ErrNoMemory, order, s.limit)
		}
	} else {
		s.inUse.Add(n)
	}

	mem, err := mapAnon(int(OrderSize(order)))
	if err != nil {
		s.inUse.Add(-n)
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	s.allocated.Add(n)
	return New(addrOf(mem), order, gfp&GFPHighMem != 0, mem), nil
}

// FreePages unmaps p. The page must not be used afterwards.
func (s *System) FreePages(p *Page) {
	if p == nil || p.mem == nil {
		return
	}
	n := int64(1) << p.Order
	_ = unmapAnon(p.mem)
	p.mem = nil
	s.freed.Add(n)
	s.inUse.Add(-n)
}

// Stats returns a snapshot of the counters.
func (s *System) Stats() Stats {
	return Stats{
		Allocated: s.allocated.Load(),
		Freed:     s.freed.Load(),
		InUse:     s.inUse.Load(),
	}
}

// Reserve maps size bytes for a region heap (carveout, chunk, CMA). The
// returned release func unmaps the region.
func Reserve(size int64) ([]byte, func() error, error) {
	size = Align(size)
	if size <= 0 {
		return nil, nil, fmt.Errorf("page: invalid reserve size %d", size)
	}
	mem, err := mapAnon(int(size))
	if err != nil {
		return nil, nil, err
	}
	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		return unmapAnon(mem)
	}
	return mem, release, nil
}

func addrOf(mem []byte) uint64 {
	if len(mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}
