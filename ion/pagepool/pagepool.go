// Package pagepool keeps ready-to-use pages of one order so heaps can skip
// the system allocator on the allocation fast path.
//
// Pages are kept in two lists by memory class (low and high memory). The
// counts and lists are always updated together under the pool lock, and the
// lock is never held across a call into the page source.
package pagepool

import (
	"container/list"
	"errors"
	"sync"

	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/internal/logger"
)

// ErrPoolEmpty is returned by AllocPoolOnly when both lists are empty.
var ErrPoolEmpty = errors.New("pagepool: pool empty")

// Class is a memory class.
type Class int

const (
	Low Class = iota
	High
)

func (c Class) String() string {
	if c == High {
		return "high"
	}
	return "low"
}

func classOf(p *page.Page) Class {
	if p.HighMem {
		return High
	}
	return Low
}

// Pool caches pages of a single order.
type Pool struct {
	order   uint
	gfp     page.GFP
	src     page.Source
	wc      bool // write-combine fresh pages, restore write-back on release
	log     *logger.Sink
	name    string
	counts  [2]int
	items   [2]*list.List
	mu      sync.Mutex
	release func(*page.Page)
}

// Option configures a Pool.
type Option func(*Pool)

// WithWriteCombine applies the write-combine cache policy to fresh pages and
// restores write-back when a page goes back to the system.
func WithWriteCombine() Option { return func(p *Pool) { p.wc = true } }

// WithLogger sets the diagnostic sink.
func WithLogger(s *logger.Sink) Option { return func(p *Pool) { p.log = s } }

// WithName labels the pool in diagnostics.
func WithName(name string) Option { return func(p *Pool) { p.name = name } }

// WithRelease replaces the default "return to source" step used by
// FreeImmediate and Shrink. Secure pools use it to hand pages back to the
// non-secure domain before releasing them.
func WithRelease(fn func(*page.Page)) Option { return func(p *Pool) { p.release = fn } }

// New creates a pool of 1<<order page runs drawn from src with gfp.
func New(src page.Source, gfp page.GFP, order uint, opts ...Option) *Pool {
	p := &Pool{
		order: order,
		gfp:   gfp,
		src:   src,
		log:   logger.Discard(),
		items: [2]*list.List{list.New(), list.New()},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Order returns the pool's page order.
func (p *Pool) Order() uint { return p.order }

// GFP returns the mask fresh pages are allocated with.
func (p *Pool) GFP() page.GFP { return p.gfp }

// Alloc returns a page, preferring the low list, then the high list, and
// falling back to a fresh system allocation. fromPool reports which happened.
func (p *Pool) Alloc() (*page.Page, bool, error) {
	if pg := p.pop(); pg != nil {
		return pg, true, nil
	}

	pg, err := p.src.AllocPages(p.gfp, p.order)
	if err != nil {
		if p.gfp&page.GFPNoWarn == 0 {
			p.log.Warn(logger.MaskPool, "pool exhausted and system allocation failed",
				"pool", p.name, "order", p.order, "err", err)
		}
		return nil, false, err
	}
	if p.wc {
		pg.SetAttr(page.AttrWriteCombine)
	}
	return pg, false, nil
}

// AllocPoolOnly returns a pooled page or ErrPoolEmpty. It never allocates.
func (p *Pool) AllocPoolOnly() (*page.Page, error) {
	if pg := p.pop(); pg != nil {
		return pg, nil
	}
	return nil, ErrPoolEmpty
}

func (p *Pool) pop() *page.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range []Class{Low, High} {
		if p.counts[c] == 0 {
			continue
		}
		e := p.items[c].Front()
		p.items[c].Remove(e)
		p.counts[c]--
		return e.Value.(*page.Page) //nolint:errcheck // lists hold *page.Page only
	}
	return nil
}

// Free puts pg back on the list for its class.
func (p *Pool) Free(pg *page.Page) {
	c := classOf(pg)
	p.mu.Lock()
	p.items[c].PushBack(pg)
	p.counts[c]++
	p.mu.Unlock()
}

// FreeImmediate returns pg to the system, bypassing the pool.
func (p *Pool) FreeImmediate(pg *page.Page) {
	if p.wc {
		pg.SetAttr(page.AttrWriteBack)
	}
	if p.release != nil {
		p.release(pg)
		return
	}
	p.src.FreePages(pg)
}

// Count returns the number of page runs held for class c.
func (p *Pool) Count(c Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[c]
}

// Total returns the number of 0-order pages held, counting the high list only
// when high is set.
func (p *Pool) Total(high bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.counts[Low]
	if high {
		n += p.counts[High]
	}
	return n << p.order
}

// Shrink returns up to n 0-order pages' worth of pooled runs to the system and
// reports how many 0-order pages it released. High memory is released before
// low memory, and only when mask allows high memory. n == 0 only counts.
func (p *Pool) Shrink(mask page.GFP, n int) int {
	high := mask&page.GFPHighMem != 0
	if n == 0 {
		return p.Total(high)
	}

	freed := 0
	for freed < n {
		pg := p.popForShrink(high)
		if pg == nil {
			break
		}
		p.FreeImmediate(pg)
		freed += 1 << p.order
	}
	if freed > 0 {
		p.log.Debug(logger.MaskPool, "pool shrunk", "pool", p.name, "order", p.order, "pages", freed)
	}
	return freed
}

func (p *Pool) popForShrink(high bool) *page.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := []Class{Low}
	if high {
		order = []Class{High, Low}
	}
	for _, c := range order {
		if p.counts[c] == 0 {
			continue
		}
		e := p.items[c].Back()
		p.items[c].Remove(e)
		p.counts[c]--
		return e.Value.(*page.Page) //nolint:errcheck // lists hold *page.Page only
	}
	return nil
}

// Drain releases every pooled page regardless of class and returns the number
// of 0-order pages released.
func (p *Pool) Drain() int {
	return p.Shrink(page.GFPHighMem, int(^uint(0)>>1))
}
