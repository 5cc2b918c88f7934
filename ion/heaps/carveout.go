package heaps

import (
	"fmt"
	"io"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

// CarveoutHeap hands out contiguous ranges of a reserved region. Memory is
// zeroed when it is freed.
type CarveoutHeap struct {
	ion.HeapBase
	mapOps

	r     *region
	align int64
	log   *logger.Sink
}

// NewCarveout builds a carveout heap over [d.Base, d.Base+d.Size).
func NewCarveout(d ion.Desc, env Env) (*CarveoutHeap, error) {
	env = env.withDefaults(d)
	r, err := newRegion(d, page.Size)
	if err != nil {
		return nil, err
	}
	return &CarveoutHeap{HeapBase: ion.NewHeapBase(d), r: r, align: d.Align, log: env.Log}, nil
}

// AllocRange reserves size bytes aligned to align (0 = the heap default)
// and returns the start address. A full heap reports ion.ErrNoSpace.
func (h *CarveoutHeap) AllocRange(size, align int64) (uint64, error) {
	addr, err := h.r.alloc(size, max(align, h.align))
	if err != nil {
		return 0, fmt.Errorf("heap %q: %d bytes: %w", h.Name(), size, err)
	}
	return addr, nil
}

// FreeRange releases a range returned by AllocRange.
func (h *CarveoutHeap) FreeRange(addr uint64, size int64) error {
	return h.r.free(addr, size)
}

// Allocate implements ion.Heap.
func (h *CarveoutHeap) Allocate(b *ion.Buffer, size, align int64, _ ion.Flags) error {
	addr, err := h.AllocRange(size, align)
	if err != nil {
		return err
	}
	b.SetTable(sg.Single(addr, h.r.bytes(addr, size)))
	return nil
}

// Free implements ion.Heap.
func (h *CarveoutHeap) Free(b *ion.Buffer) error {
	t := b.Table()
	t.Zero()
	if b.Flags()&ion.FlagCached != 0 {
		if err := t.Sync(page.DirToDevice); err != nil {
			h.log.Warn(logger.MaskFree, "sync after zeroing failed", "heap", h.Name(), "err", err)
		}
	}
	e := t.Extents[0]
	return h.FreeRange(e.Addr, e.Len)
}

// Phys implements ion.PhysHeap.
func (h *CarveoutHeap) Phys(b *ion.Buffer) (uint64, int64, error) {
	e := b.Table().Extents[0]
	return e.Addr, e.Len, nil
}

// Avail returns the free bytes.
func (h *CarveoutHeap) Avail() int64 { return int64(h.r.pool.Avail()) }

// DebugDump implements ion.DebugDumper.
func (h *CarveoutHeap) DebugDump(w io.Writer, mem []ion.MemMapEntry) error {
	if _, err := fmt.Fprintf(w, "carveout %#x+%#x, %d bytes free\n", h.r.base, h.r.pool.Size(), h.Avail()); err != nil {
		return err
	}
	return dumpMemMap(w, mem, h.r.base, h.r.base+h.r.pool.Size())
}

// Close releases the reserved region.
func (h *CarveoutHeap) Close() error { return h.r.close() }
