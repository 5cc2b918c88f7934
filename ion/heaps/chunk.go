package heaps

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

// DefaultChunkSize is the chunk heap granule when the descriptor names none.
const DefaultChunkSize = 64 << 10

// ChunkHeap builds buffers out of fixed-size, chunk-aligned pieces of a
// reserved region. Buffers are rounded up to whole chunks.
type ChunkHeap struct {
	ion.HeapBase
	mapOps

	r         *region
	chunk     int64
	allocated atomic.Int64
}

// NewChunk builds a chunk heap.
func NewChunk(d ion.Desc, env Env) (*ChunkHeap, error) {
	chunk := d.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if chunk < page.Size || chunk&(chunk-1) != 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be a power of two >= %d", ion.ErrInvalidArgument, chunk, page.Size)
	}
	r, err := newRegion(d, chunk)
	if err != nil {
		return nil, err
	}
	return &ChunkHeap{HeapBase: ion.NewHeapBase(d), r: r, chunk: chunk}, nil
}

// Allocate implements ion.Heap.
func (h *ChunkHeap) Allocate(b *ion.Buffer, size, _ int64, _ ion.Flags) error {
	n := (size + h.chunk - 1) / h.chunk
	t := &sg.Table{Extents: make([]sg.Extent, 0, n)}
	for i := int64(0); i < n; i++ {
		addr, err := h.r.alloc(h.chunk, h.chunk)
		if err != nil {
			h.release(t)
			return fmt.Errorf("heap %q: chunk %d of %d: %w", h.Name(), i+1, n, err)
		}
		t.Extents = append(t.Extents, sg.Extent{Addr: addr, Len: h.chunk, Mem: h.r.bytes(addr, h.chunk)})
	}
	h.allocated.Add(n * h.chunk)
	b.SetTable(t)
	return nil
}

func (h *ChunkHeap) release(t *sg.Table) {
	for _, e := range t.Extents {
		_ = h.r.free(e.Addr, e.Len)
	}
}

// Free implements ion.Heap.
func (h *ChunkHeap) Free(b *ion.Buffer) error {
	t := b.Table()
	t.Zero()
	for _, e := range t.Extents {
		if err := h.r.free(e.Addr, e.Len); err != nil {
			return fmt.Errorf("heap %q: %w", h.Name(), err)
		}
	}
	h.allocated.Add(-t.Size())
	return nil
}

// DebugDump implements ion.DebugDumper.
func (h *ChunkHeap) DebugDump(w io.Writer, _ []ion.MemMapEntry) error {
	_, err := fmt.Fprintf(w, "chunk size %d, total %d, allocated %d, free %d\n",
		h.chunk, h.r.pool.Size(), h.allocated.Load(), h.r.pool.Avail())
	return err
}

// Close releases the reserved region.
func (h *ChunkHeap) Close() error { return h.r.close() }
