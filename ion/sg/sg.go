// Package sg describes buffer memory as an ordered list of extents
// (a scatter list) and provides the kernel and user mapping views heaps
// return for it.
package sg

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joshuapare/ionkit/ion/page"
)

// Extent is one physically contiguous piece of a buffer.
type Extent struct {
	Addr uint64     // physical-style start address
	Len  int64      // bytes
	Mem  []byte     // backing memory, len(Mem) == Len
	Page *page.Page // owning page run, nil for region heaps
}

// End returns the first address past e.
func (e Extent) End() uint64 { return e.Addr + uint64(e.Len) }

// Table is an ordered scatter list.
type Table struct {
	Extents []Extent
}

// FromPages builds a table with one extent per page run.
func FromPages(pages []*page.Page) *Table {
	t := &Table{Extents: make([]Extent, 0, len(pages))}
	for _, p := range pages {
		t.Extents = append(t.Extents, Extent{Addr: p.Addr, Len: p.Len(), Mem: p.Bytes(), Page: p})
	}
	return t
}

// Single builds a one-extent table over mem starting at addr.
func Single(addr uint64, mem []byte) *Table {
	return &Table{Extents: []Extent{{Addr: addr, Len: int64(len(mem)), Mem: mem}}}
}

// Len returns the number of extents.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Extents)
}

// Size returns the total byte length.
func (t *Table) Size() int64 {
	if t == nil {
		return 0
	}
	var n int64
	for _, e := range t.Extents {
		n += e.Len
	}
	return n
}

// Pages returns the page runs referenced by the table, in order.
func (t *Table) Pages() []*page.Page {
	if t == nil {
		return nil
	}
	out := make([]*page.Page, 0, len(t.Extents))
	for _, e := range t.Extents {
		if e.Page != nil {
			out = append(out, e.Page)
		}
	}
	return out
}

// Zero clears every extent.
func (t *Table) Zero() {
	if t == nil {
		return
	}
	for _, e := range t.Extents {
		clear(e.Mem)
	}
}

// Sync runs cache maintenance over every extent.
func (t *Table) Sync(dir page.Direction) error {
	if t == nil {
		return nil
	}
	for _, e := range t.Extents {
		if err := page.Sync(e.Mem, dir); err != nil {
			return fmt.Errorf("sg: sync extent %#x: %w", e.Addr, err)
		}
	}
	return nil
}

// Mapping is a linear kernel view of a table.
// It implements io.ReaderAt and io.WriterAt.
type Mapping struct {
	t    *Table
	size int64
}

// NewMapping maps t linearly.
func NewMapping(t *Table) *Mapping {
	return &Mapping{t: t, size: t.Size()}
}

// Size returns the mapped length.
func (m *Mapping) Size() int64 { return m.size }

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("sg: negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}
	n := m.walk(off, len(p), func(mem []byte, done int) int { return copy(p[done:], mem) })
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("sg: negative offset")
	}
	n := m.walk(off, len(p), func(mem []byte, done int) int { return copy(mem, p[done:]) })
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (m *Mapping) walk(off int64, want int, fn func(mem []byte, done int) int) int {
	done := 0
	for _, e := range m.t.Extents {
		if done >= want {
			break
		}
		if off >= e.Len {
			off -= e.Len
			continue
		}
		done += fn(e.Mem[off:], done)
		off = 0
	}
	return done
}

// VMA is a user mapping target. Heaps install extents into it page by page
// starting at PgOff pages into the buffer.
type VMA struct {
	Start uint64 // user virtual start
	Len   int64  // bytes
	PgOff int64  // offset into the buffer, in pages

	mu     sync.Mutex
	ranges []Extent
}

// Insert maps e at user address addr.
func (v *VMA) Insert(addr uint64, e Extent) error {
	if addr < v.Start || addr+uint64(e.Len) > v.Start+uint64(v.Len) {
		return fmt.Errorf("sg: insert [%#x, +%#x) outside vma", addr, e.Len)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ranges = append(v.ranges, e)
	return nil
}

// Mapped returns the extents installed so far.
func (v *VMA) Mapped() []Extent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Extent(nil), v.ranges...)
}

// MapInto installs the table into v, honouring v.PgOff and stopping when the
// vma is full.
func (t *Table) MapInto(v *VMA) error {
	addr := v.Start
	end := v.Start + uint64(v.Len)
	skip := v.PgOff * page.Size

	for _, e := range t.Extents {
		if skip >= e.Len {
			skip -= e.Len
			continue
		}
		if skip > 0 {
			e = Extent{Addr: e.Addr + uint64(skip), Len: e.Len - skip, Mem: e.Mem[skip:], Page: e.Page}
			skip = 0
		}
		remaining := int64(end - addr)
		if remaining <= 0 {
			break
		}
		if e.Len > remaining {
			e = Extent{Addr: e.Addr, Len: remaining, Mem: e.Mem[:remaining], Page: e.Page}
		}
		if err := v.Insert(addr, e); err != nil {
			return err
		}
		addr += uint64(e.Len)
		if addr >= end {
			break
		}
	}
	return nil
}
