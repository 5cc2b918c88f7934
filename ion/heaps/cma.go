package heaps

import (
	"fmt"
	"io"

	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

// cmaMaxAlignOrder caps the natural alignment of cma allocations.
const cmaMaxAlignOrder = 8

// CMAHeap hands out contiguous ranges of a reserved region aligned to their
// own size (up to 1 MiB). Memory is zeroed when it is handed out.
type CMAHeap struct {
	ion.HeapBase
	mapOps

	r *region
}

// NewCMA builds a cma heap.
func NewCMA(d ion.Desc, env Env) (*CMAHeap, error) {
	r, err := newRegion(d, page.Size)
	if err != nil {
		return nil, err
	}
	return &CMAHeap{HeapBase: ion.NewHeapBase(d), r: r}, nil
}

func (h *CMAHeap) allocTable(size, align int64) (*sg.Table, error) {
	natural := page.OrderSize(min(page.OrderFor(size), cmaMaxAlignOrder))
	addr, err := h.r.alloc(size, max(align, natural))
	if err != nil {
		return nil, fmt.Errorf("heap %q: %d bytes: %w", h.Name(), size, err)
	}
	mem := h.r.bytes(addr, size)
	clear(mem)
	return sg.Single(addr, mem), nil
}

// Allocate implements ion.Heap.
func (h *CMAHeap) Allocate(b *ion.Buffer, size, align int64, flags ion.Flags) error {
	t, err := h.allocTable(size, align)
	if err != nil {
		return err
	}
	if flags&ion.FlagCachedNeedsSync != 0 {
		if err := t.Sync(page.DirToDevice); err != nil {
			_ = h.freeTable(t)
			return err
		}
	}
	b.SetTable(t)
	return nil
}

func (h *CMAHeap) freeTable(t *sg.Table) error {
	e := t.Extents[0]
	return h.r.free(e.Addr, e.Len)
}

// Free implements ion.Heap.
func (h *CMAHeap) Free(b *ion.Buffer) error {
	return h.freeTable(b.Table())
}

// Phys implements ion.PhysHeap.
func (h *CMAHeap) Phys(b *ion.Buffer) (uint64, int64, error) {
	e := b.Table().Extents[0]
	return e.Addr, e.Len, nil
}

// DebugDump implements ion.DebugDumper.
func (h *CMAHeap) DebugDump(w io.Writer, mem []ion.MemMapEntry) error {
	if _, err := fmt.Fprintf(w, "cma %#x+%#x, %d bytes free\n", h.r.base, h.r.pool.Size(), h.r.pool.Avail()); err != nil {
		return err
	}
	return dumpMemMap(w, mem, h.r.base, h.r.base+h.r.pool.Size())
}

// Close releases the reserved region.
func (h *CMAHeap) Close() error { return h.r.close() }
