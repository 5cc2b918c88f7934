package heaps

import (
	"fmt"
	"io"

	"github.com/joshuapare/ionkit/internal/genpool"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
)

// region is a reserved address range shared out by a genpool. Carveout,
// chunk and cma heaps are built on it.
type region struct {
	base    uint64
	mem     []byte
	pool    *genpool.Pool
	release func() error
}

func newRegion(d ion.Desc, granule int64) (*region, error) {
	if d.Size <= 0 {
		return nil, fmt.Errorf("%w: heap %q needs a size", ion.ErrInvalidArgument, d.Name)
	}
	mem, release, err := page.Reserve(d.Size)
	if err != nil {
		return nil, fmt.Errorf("heap %q: reserve %d bytes: %w", d.Name, d.Size, err)
	}
	pool, err := genpool.New(d.Base, uint64(len(mem)), uint64(granule))
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("heap %q: %w", d.Name, err)
	}
	return &region{base: d.Base, mem: mem, pool: pool, release: release}, nil
}

func (r *region) alloc(size, align int64) (uint64, error) {
	return r.pool.Alloc(uint64(size), uint64(align))
}

func (r *region) free(addr uint64, size int64) error {
	return r.pool.Free(addr, uint64(size))
}

// bytes returns the backing memory of [addr, addr+size).
func (r *region) bytes(addr uint64, size int64) []byte {
	off := addr - r.base
	return r.mem[off : off+uint64(size)]
}

func (r *region) close() error { return r.release() }

// dumpMemMap prints mem as "start end size client" rows. When the region
// bounds are known the gaps between buffers are printed as FREE.
func dumpMemMap(w io.Writer, mem []ion.MemMapEntry, base, end uint64) error {
	if _, err := fmt.Fprintf(w, "%-16s %-16s %12s %s\n", "start", "end", "size", "client"); err != nil {
		return err
	}
	last := base
	for _, m := range mem {
		if end > 0 && m.Start > last {
			if _, err := fmt.Fprintf(w, "%#-16x %#-16x %12d FREE\n", last, m.Start, m.Start-last); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%#-16x %#-16x %12d %s\n", m.Start, m.End, m.Size, m.Client); err != nil {
			return err
		}
		last = m.End
	}
	if end > 0 && last < end {
		if _, err := fmt.Fprintf(w, "%#-16x %#-16x %12d FREE\n", last, end, end-last); err != nil {
			return err
		}
	}
	return nil
}
