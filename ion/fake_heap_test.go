package ion

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

var errFakeFull = errors.New("fake heap full")

// fakeHeap hands out Go-heap memory and keeps freed pages in a cache that
// Shrink releases.
type fakeHeap struct {
	HeapBase

	mu        sync.Mutex
	next      uint64
	limit     int64 // bytes, 0 = unlimited
	inUse     int64
	cached    int // pages
	frees     int
	reclaimed int // buffers freed with the reclaim flag
	freeErr   error
	closed    bool
	freed     map[uint64]bool // serials
}

func newFakeHeap(id uint32, typ HeapType, name string, flags HeapFlags) *fakeHeap {
	return &fakeHeap{
		HeapBase: NewHeapBase(Desc{ID: id, Type: typ, Name: name, Flags: flags}),
		next:     0x100000,
		freed:    make(map[uint64]bool),
	}
}

func (h *fakeHeap) Allocate(b *Buffer, size, align int64, flags Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.inUse+size > h.limit {
		return fmt.Errorf("%w: %d of %d in use", errFakeFull, h.inUse, h.limit)
	}
	mem, release, err := page.Reserve(size)
	if err != nil {
		return err
	}
	h.inUse += size
	addr := h.next
	h.next += uint64(size)
	b.SetTable(sg.Single(addr, mem))
	b.SetPriv(release)
	return nil
}

func (h *fakeHeap) Free(b *Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frees++
	h.inUse -= b.Size()
	h.freed[b.Serial()] = true
	if release, ok := b.Priv().(func() error); ok {
		_ = release()
	}
	if b.FromReclaimer() {
		h.reclaimed++
	} else {
		h.cached += int(b.Size() / page.Size)
	}
	return h.freeErr
}

func (h *fakeHeap) Shrink(p Pressure, n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		return h.cached
	}
	got := min(n, h.cached)
	h.cached -= got
	return got
}

func (h *fakeHeap) Phys(b *Buffer) (uint64, int64, error) {
	e := b.Table().Extents[0]
	return e.Addr, e.Len, nil
}

func (h *fakeHeap) MapDMA(b *Buffer) (*sg.Table, error) { return b.Table(), nil }
func (h *fakeHeap) UnmapDMA(*Buffer)                    {}
func (h *fakeHeap) MapKernel(b *Buffer) (*sg.Mapping, error) {
	return sg.NewMapping(b.Table()), nil
}
func (h *fakeHeap) UnmapKernel(*Buffer) {}
func (h *fakeHeap) MapUser(b *Buffer, v *sg.VMA) error {
	return b.Table().MapInto(v)
}

func (h *fakeHeap) DebugDump(w io.Writer, mem []MemMapEntry) error {
	for _, m := range mem {
		fmt.Fprintf(w, "%#x %#x %d %s\n", m.Start, m.End, m.Size, m.Client)
	}
	return nil
}

func (h *fakeHeap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHeap) wasFreed(b *Buffer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freed[b.Serial()]
}

func (h *fakeHeap) freeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frees
}
