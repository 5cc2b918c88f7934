package heaps

import (
	"fmt"
	"io"
	"slices"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/pagepool"
	"github.com/joshuapare/ionkit/ion/sg"
)

// DefaultOrders are the page orders of a pooled heap: 1 MiB, 64 KiB and
// single pages.
var DefaultOrders = []uint{8, 4, 0}

const (
	uncached = 0
	cached   = 1
)

// SystemHeap builds buffers out of pooled page runs, largest order first.
type SystemHeap struct {
	ion.HeapBase
	mapOps

	src    page.Source
	log    *logger.Sink
	orders []uint              // descending
	pools  [2][]*pagepool.Pool // [uncached|cached][order index]
}

// NewSystem builds a system heap.
func NewSystem(d ion.Desc, env Env) (*SystemHeap, error) {
	env = env.withDefaults(d)
	orders := slices.Clone(d.Orders)
	if len(orders) == 0 {
		orders = slices.Clone(DefaultOrders)
	}
	slices.Sort(orders)
	slices.Reverse(orders)
	orders = slices.Compact(orders)

	h := &SystemHeap{
		HeapBase: ion.NewHeapBase(d),
		src:      env.Source,
		log:      env.Log,
		orders:   orders,
	}
	for _, c := range []int{uncached, cached} {
		for _, o := range orders {
			gfp := page.GFPHighMem
			if o > 0 {
				gfp |= page.GFPNoWarn
			}
			opts := []pagepool.Option{
				pagepool.WithLogger(env.Log),
				pagepool.WithName(fmt.Sprintf("%s/%s/%d", d.Name, cacheName(c), o)),
			}
			if c == uncached {
				opts = append(opts, pagepool.WithWriteCombine())
			}
			h.pools[c] = append(h.pools[c], pagepool.New(env.Source, gfp, o, opts...))
		}
	}
	return h, nil
}

func cacheName(c int) string {
	if c == cached {
		return "cached"
	}
	return "uncached"
}

func cacheIdx(isCached bool) int {
	if isCached {
		return cached
	}
	return uncached
}

func (h *SystemHeap) pool(isCached bool, order uint) *pagepool.Pool {
	i := slices.Index(h.orders, order)
	if i < 0 {
		return nil
	}
	return h.pools[cacheIdx(isCached)][i]
}

// pageGetter returns a page of the order at index i of the heap's orders,
// plus a per-page mark that allocLargest hands back to the caller.
type pageGetter func(i int) (pg *page.Page, mark bool, err error)

// allocLargest fills size bytes with page runs, always taking the largest
// order that fits the remainder and never going back up after an order
// failed. On failure every page taken so far is handed to undo.
func (h *SystemHeap) allocLargest(size int64, get pageGetter, undo func([]*page.Page, []bool)) ([]*page.Page, []bool, error) {
	var (
		pages     []*page.Page
		marks     []bool
		remaining = size
		maxIdx    = 0
		lastErr   error
	)
	for remaining > 0 {
		var (
			pg   *page.Page
			mark bool
		)
		for i := maxIdx; i < len(h.orders); i++ {
			if page.OrderSize(h.orders[i]) > remaining {
				continue
			}
			p, m, err := get(i)
			if err != nil {
				lastErr = err
				continue
			}
			pg, mark, maxIdx = p, m, i
			break
		}
		if pg == nil {
			undo(pages, marks)
			if lastErr == nil {
				lastErr = page.ErrNoMemory
			}
			return nil, nil, fmt.Errorf("heap %q: %d of %d bytes: %w", h.Name(), size-remaining, size, lastErr)
		}
		pages = append(pages, pg)
		marks = append(marks, mark)
		remaining -= pg.Len()
	}
	return pages, marks, nil
}

func (h *SystemHeap) getter(isCached bool) pageGetter {
	return func(i int) (*page.Page, bool, error) {
		pg, fromPool, err := h.pools[cacheIdx(isCached)][i].Alloc()
		if err != nil {
			return nil, false, err
		}
		if !fromPool && !isCached {
			// Fresh uncached pages may still have dirty lines from their last
			// user.
			if err := page.Sync(pg.Bytes(), page.DirToDevice); err != nil {
				h.log.Debug(logger.MaskPool, "sync of fresh page failed", "heap", h.Name(), "err", err)
			}
		}
		return pg, !fromPool, nil
	}
}

func (h *SystemHeap) allocPages(size int64, isCached bool) ([]*page.Page, error) {
	pages, _, err := h.allocLargest(size, h.getter(isCached), func(pages []*page.Page, _ []bool) {
		h.freePages(pages, isCached, false)
	})
	return pages, err
}

// freePages returns pages to their pools, or to the system when toSystem.
func (h *SystemHeap) freePages(pages []*page.Page, isCached, toSystem bool) {
	for _, pg := range pages {
		p := h.pool(isCached, pg.Order)
		switch {
		case p == nil:
			h.src.FreePages(pg)
		case toSystem:
			p.FreeImmediate(pg)
		default:
			p.Free(pg)
		}
	}
}

// Allocate implements ion.Heap.
func (h *SystemHeap) Allocate(b *ion.Buffer, size, _ int64, flags ion.Flags) error {
	pages, err := h.allocPages(size, flags&ion.FlagCached != 0)
	if err != nil {
		return err
	}
	b.SetTable(sg.FromPages(pages))
	return nil
}

// Free implements ion.Heap. Pages are zeroed and pooled, or returned to the
// system when the reclaimer is freeing.
func (h *SystemHeap) Free(b *ion.Buffer) error {
	t := b.Table()
	toSystem := b.FromReclaimer()
	if !toSystem {
		t.Zero()
	}
	h.freePages(t.Pages(), b.Flags()&ion.FlagCached != 0, toSystem)
	return nil
}

// Shrink implements ion.Shrinker over every pool.
func (h *SystemHeap) Shrink(p ion.Pressure, n int) int {
	mask := p.GFP()
	if n == 0 {
		total := 0
		for _, pools := range h.pools {
			for _, pl := range pools {
				total += pl.Shrink(mask, 0)
			}
		}
		return total
	}
	freed := 0
	for _, pools := range h.pools {
		for _, pl := range pools {
			if freed >= n {
				return freed
			}
			freed += pl.Shrink(mask, n-freed)
		}
	}
	return freed
}

// PoolTotal returns the pages held by every pool.
func (h *SystemHeap) PoolTotal() int {
	n := 0
	for _, pools := range h.pools {
		for _, pl := range pools {
			n += pl.Total(true)
		}
	}
	return n
}

// DebugDump implements ion.DebugDumper.
func (h *SystemHeap) DebugDump(w io.Writer, _ []ion.MemMapEntry) error {
	for c, pools := range h.pools {
		for _, pl := range pools {
			_, err := fmt.Fprintf(w, "%s pool order %d: %d highmem runs, %d lowmem runs, %d pages\n",
				cacheName(c), pl.Order(), pl.Count(pagepool.High), pl.Count(pagepool.Low), pl.Total(true))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases every pooled page.
func (h *SystemHeap) Close() error {
	for _, pools := range h.pools {
		for _, pl := range pools {
			pl.Drain()
		}
	}
	return nil
}
