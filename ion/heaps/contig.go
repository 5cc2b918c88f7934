package heaps

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

// ContigHeap hands out one physically contiguous page run per buffer,
// straight from the system source.
type ContigHeap struct {
	ion.HeapBase
	mapOps

	src   page.Source
	log   *logger.Sink
	bytes atomic.Int64
}

// NewContig builds a system-contig heap.
func NewContig(d ion.Desc, env Env) (*ContigHeap, error) {
	env = env.withDefaults(d)
	return &ContigHeap{HeapBase: ion.NewHeapBase(d), src: env.Source, log: env.Log}, nil
}

// Allocate implements ion.Heap. System pages are only page aligned, so
// alignments above page.Size are rejected.
func (h *ContigHeap) Allocate(b *ion.Buffer, size, align int64, _ ion.Flags) error {
	if align > page.Size {
		return fmt.Errorf("%w: heap %q: align %d exceeds %d", ion.ErrInvalidArgument, h.Name(), align, page.Size)
	}
	order := page.OrderFor(size)
	pg, err := h.src.AllocPages(page.GFPNoWarn, order)
	if err != nil {
		return fmt.Errorf("heap %q: order %d: %w", h.Name(), order, err)
	}
	b.SetTable(&sg.Table{Extents: []sg.Extent{{
		Addr: pg.Addr,
		Len:  size,
		Mem:  pg.Bytes()[:size],
		Page: pg,
	}}})
	h.bytes.Add(pg.Len())
	return nil
}

// Free implements ion.Heap.
func (h *ContigHeap) Free(b *ion.Buffer) error {
	for _, pg := range b.Table().Pages() {
		h.bytes.Add(-pg.Len())
		h.src.FreePages(pg)
	}
	return nil
}

// Phys implements ion.PhysHeap.
func (h *ContigHeap) Phys(b *ion.Buffer) (uint64, int64, error) {
	e := b.Table().Extents[0]
	return e.Addr, e.Len, nil
}

// DebugDump implements ion.DebugDumper.
func (h *ContigHeap) DebugDump(w io.Writer, mem []ion.MemMapEntry) error {
	if _, err := fmt.Fprintf(w, "contiguous bytes in use: %d\n", h.bytes.Load()); err != nil {
		return err
	}
	return dumpMemMap(w, mem, 0, 0)
}
