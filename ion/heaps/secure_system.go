package heaps

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/pagepool"
	"github.com/joshuapare/ionkit/ion/secure"
	"github.com/joshuapare/ionkit/ion/sg"
)

// SecureSystemHeap hands out system pages owned by secure domains.
//
// Buffers for a single domain draw first from that domain's secure pools,
// whose pages are still assigned, so the common path skips the hypervisor.
// Freed single-domain buffers go back to those pools unless the reclaimer is
// freeing. Buffers shared by several domains always take fresh non-secure
// pages and return them on free.
type SecureSystemHeap struct {
	ion.HeapBase
	mapOps

	sys *SystemHeap
	hyp secure.Hypervisor
	log *logger.Sink

	mu    sync.Mutex
	pools map[secure.VMID][]*pagepool.Pool // per order index
}

type secureAlloc struct {
	vmids []secure.VMID
}

// NewSecureSystem builds a secure system heap.
func NewSecureSystem(d ion.Desc, env Env) (*SecureSystemHeap, error) {
	env = env.withDefaults(d)
	inner := d
	inner.Name = d.Name + "/nonsecure"
	sys, err := NewSystem(inner, env)
	if err != nil {
		return nil, err
	}
	return &SecureSystemHeap{
		HeapBase: ion.NewHeapBase(d),
		sys:      sys,
		hyp:      env.Hyp,
		log:      env.Log,
		pools:    make(map[secure.VMID][]*pagepool.Pool),
	}, nil
}

// securePools returns vmid's pools, creating them on first use.
func (h *SecureSystemHeap) securePools(vmid secure.VMID) []*pagepool.Pool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ps, ok := h.pools[vmid]; ok {
		return ps
	}
	ps := make([]*pagepool.Pool, len(h.sys.orders))
	for i, o := range h.sys.orders {
		ps[i] = pagepool.New(h.sys.src, page.GFPHighMem, o,
			pagepool.WithLogger(h.log),
			pagepool.WithName(fmt.Sprintf("%s/%v/%d", h.Name(), vmid, o)),
			pagepool.WithRelease(func(pg *page.Page) { h.releaseSecure(vmid, pg) }),
		)
	}
	h.pools[vmid] = ps
	return ps
}

func (h *SecureSystemHeap) vmids() []secure.VMID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]secure.VMID, 0, len(h.pools))
	for v := range h.pools {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// releaseSecure hands a pooled page back to the non-secure domain and then
// to the system. A page that cannot be unassigned is leaked.
func (h *SecureSystemHeap) releaseSecure(vmid secure.VMID, pg *page.Page) {
	if err := secure.Unassign(h.hyp, sg.FromPages([]*page.Page{pg}), vmid); err != nil {
		h.log.Error(logger.MaskAssign, "leaking secure page",
			"heap", h.Name(), "vmid", vmid.String(), "addr", pg.Addr, "err", err)
		return
	}
	pg.Zero()
	h.sys.src.FreePages(pg)
}

func (h *SecureSystemHeap) poolFor(vmid secure.VMID, order uint) *pagepool.Pool {
	i := slices.Index(h.sys.orders, order)
	if i < 0 {
		return nil
	}
	return h.securePools(vmid)[i]
}

// Allocate implements ion.Heap. The domain transfer runs under the buffer
// lock.
func (h *SecureSystemHeap) Allocate(b *ion.Buffer, size, _ int64, flags ion.Flags) error {
	vmids, err := vmidsFor(flags)
	if err != nil {
		return err
	}

	// The mark reports a page taken from a secure pool, which is already
	// assigned. Pages from the non-secure pools or the system never are.
	nonSecure := h.sys.getter(false)
	get := func(i int) (*page.Page, bool, error) {
		pg, _, err := nonSecure(i)
		return pg, false, err
	}
	if len(vmids) == 1 {
		sp := h.securePools(vmids[0])
		get = func(i int) (*page.Page, bool, error) {
			if pg, err := sp[i].AllocPoolOnly(); err == nil {
				return pg, true, nil
			}
			pg, _, err := nonSecure(i)
			return pg, false, err
		}
	}

	pages, pooled, err := h.sys.allocLargest(size, get, func(pages []*page.Page, pooled []bool) {
		h.putBack(vmids, pages, pooled, false)
	})
	if err != nil {
		return err
	}

	var fresh []*page.Page
	for i, pg := range pages {
		if !pooled[i] {
			fresh = append(fresh, pg)
		}
	}

	b.Lock()
	err = secure.AssignMulti(h.hyp, sg.FromPages(fresh), vmids)
	b.Unlock()
	if err != nil {
		leaked := errors.Is(err, secure.ErrLeaked)
		if leaked {
			h.log.Error(logger.MaskAssign, "leaking pages after failed assignment",
				"heap", h.Name(), "pages", len(fresh), "err", err)
		}
		h.putBack(vmids, pages, pooled, leaked)
		return fmt.Errorf("heap %q: %w", h.Name(), err)
	}

	b.SetTable(sg.FromPages(pages))
	b.SetPriv(&secureAlloc{vmids: vmids})
	h.log.Debug(logger.MaskAssign, "buffer assigned",
		"heap", h.Name(), "vmids", fmt.Sprint(vmids), "pages", len(pages), "fresh", len(fresh))
	return nil
}

// putBack undoes a partial allocation: secure pool pages return to their
// pool, the rest to the non-secure pools unless they leaked.
func (h *SecureSystemHeap) putBack(vmids []secure.VMID, pages []*page.Page, pooled []bool, leakFresh bool) {
	for i, pg := range pages {
		switch {
		case pooled[i]:
			h.poolFor(vmids[0], pg.Order).Free(pg)
		case !leakFresh:
			h.sys.freePages([]*page.Page{pg}, false, false)
		}
	}
}

// Free implements ion.Heap.
func (h *SecureSystemHeap) Free(b *ion.Buffer) error {
	sa, ok := b.Priv().(*secureAlloc)
	if !ok {
		return fmt.Errorf("%w: buffer %d was not allocated by %q", ion.ErrInvalidArgument, b.Serial(), h.Name())
	}
	t := b.Table()

	if len(sa.vmids) == 1 && !b.FromReclaimer() {
		for _, pg := range t.Pages() {
			h.poolFor(sa.vmids[0], pg.Order).Free(pg)
		}
		return nil
	}

	b.Lock()
	err := secure.UnassignMulti(h.hyp, t, sa.vmids)
	b.Unlock()
	if err != nil {
		h.log.Error(logger.MaskAssign, "leaking buffer after failed unassign",
			"heap", h.Name(), "buffer", b.Serial(), "err", err)
		return fmt.Errorf("heap %q: %w", h.Name(), err)
	}
	t.Zero()
	h.sys.freePages(t.Pages(), false, b.FromReclaimer())
	return nil
}

// Prefetch implements Prefetcher.
func (h *SecureSystemHeap) Prefetch(vmid secure.VMID, size int64) error {
	if !secure.IsSecureVMIDValid(vmid) {
		return fmt.Errorf("%w: %v", ion.ErrInvalidVMIDFlags, vmid)
	}
	pages, err := h.sys.allocPages(page.Align(size), false)
	if err != nil {
		return err
	}
	if err := secure.Assign(h.hyp, sg.FromPages(pages), vmid); err != nil {
		if !errors.Is(err, secure.ErrLeaked) {
			h.sys.freePages(pages, false, false)
		}
		return fmt.Errorf("heap %q: prefetch: %w", h.Name(), err)
	}
	for _, pg := range pages {
		h.poolFor(vmid, pg.Order).Free(pg)
	}
	h.log.Info(logger.MaskPool, "secure pool prefetched", "heap", h.Name(), "vmid", vmid.String(), "bytes", size)
	return nil
}

// Drain implements Prefetcher.
func (h *SecureSystemHeap) Drain(vmid secure.VMID, size int64) error {
	if !secure.IsSecureVMIDValid(vmid) {
		return fmt.Errorf("%w: %v", ion.ErrInvalidVMIDFlags, vmid)
	}
	want := int(page.Align(size) / page.Size)
	freed := 0
	for _, pl := range h.securePools(vmid) {
		if size <= 0 {
			freed += pl.Drain()
			continue
		}
		if freed >= want {
			break
		}
		freed += pl.Shrink(page.GFPHighMem, want-freed)
	}
	h.log.Info(logger.MaskPool, "secure pool drained", "heap", h.Name(), "vmid", vmid.String(), "pages", freed)
	return nil
}

// SecurePoolTotal implements Prefetcher.
func (h *SecureSystemHeap) SecurePoolTotal(vmid secure.VMID) int {
	n := 0
	for _, pl := range h.securePools(vmid) {
		n += pl.Total(true)
	}
	return n
}

// Shrink implements ion.Shrinker: secure pools first, then the non-secure
// pools.
func (h *SecureSystemHeap) Shrink(p ion.Pressure, n int) int {
	mask := p.GFP()
	freed := 0
	for _, v := range h.vmids() {
		for _, pl := range h.securePools(v) {
			if n > 0 && freed >= n {
				return freed
			}
			if n == 0 {
				freed += pl.Shrink(mask, 0)
			} else {
				freed += pl.Shrink(mask, n-freed)
			}
		}
	}
	if n == 0 {
		return freed + h.sys.Shrink(p, 0)
	}
	if freed < n {
		freed += h.sys.Shrink(p, n-freed)
	}
	return freed
}

// DebugDump implements ion.DebugDumper.
func (h *SecureSystemHeap) DebugDump(w io.Writer, mem []ion.MemMapEntry) error {
	for _, v := range h.vmids() {
		if _, err := fmt.Fprintf(w, "secure pool %v: %d pages\n", v, h.SecurePoolTotal(v)); err != nil {
			return err
		}
	}
	return h.sys.DebugDump(w, mem)
}

// Close drains every pool.
func (h *SecureSystemHeap) Close() error {
	for _, v := range h.vmids() {
		for _, pl := range h.securePools(v) {
			pl.Drain()
		}
	}
	return h.sys.Close()
}
