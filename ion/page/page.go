// Package page describes the memory pages ionkit heaps hand out and the
// system allocator they come from.
//
// A Page is a power-of-two run of Size-byte pages (its order) backed by real
// memory. The System source maps anonymous memory on unix and falls back to
// the Go heap elsewhere, so "returning a page to the system" releases the
// mapping for real.
package page

import (
	"errors"
	"sync/atomic"
)

// Size is the base page size in bytes.
const Size = 4096

// ErrNoMemory is returned when the system source cannot satisfy a request.
var ErrNoMemory = errors.New("page: out of memory")

// GFP selects where a page may come from.
type GFP uint32

const (
	// GFPHighMem allows high memory. Pages allocated with it are tagged HighMem.
	GFPHighMem GFP = 1 << iota
	// GFPNoWarn suppresses allocation failure logging.
	GFPNoWarn
)

// Attr is a page's cache attribute.
type Attr uint32

const (
	AttrWriteBack Attr = iota
	AttrWriteCombine
	AttrUncached
)

func (a Attr) String() string {
	switch a {
	case AttrWriteBack:
		return "wb"
	case AttrWriteCombine:
		return "wc"
	case AttrUncached:
		return "uc"
	default:
		return "unknown"
	}
}

// Direction is the direction of a device transfer.
type Direction int

const (
	DirBidirectional Direction = iota
	DirToDevice
	DirFromDevice
)

func (d Direction) String() string {
	switch d {
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	default:
		return "bidirectional"
	}
}

// Page is a 1<<Order run of pages.
type Page struct {
	Addr    uint64
	Order   uint
	HighMem bool

	mem  []byte
	attr atomic.Uint32
}

// New wraps mem as a page of the given order. len(mem) must be Size<<order.
func New(addr uint64, order uint, highMem bool, mem []byte) *Page {
	return &Page{Addr: addr, Order: order, HighMem: highMem, mem: mem}
}

// Bytes returns the page contents.
func (p *Page) Bytes() []byte { return p.mem }

// Len returns the page length in bytes.
func (p *Page) Len() int64 { return OrderSize(p.Order) }

// Attr returns the current cache attribute.
func (p *Page) Attr() Attr { return Attr(p.attr.Load()) }

// SetAttr records a new cache attribute.
func (p *Page) SetAttr(a Attr) { p.attr.Store(uint32(a)) }

// Zero clears the page contents.
func (p *Page) Zero() { clear(p.mem) }

// OrderSize returns the byte length of an order.
func OrderSize(order uint) int64 { return int64(Size) << order }

// OrderFor returns the smallest order whose size covers n bytes.
func OrderFor(n int64) uint {
	var order uint
	for OrderSize(order) < n {
		order++
	}
	return order
}

// Align rounds n up to a multiple of Size.
func Align(n int64) int64 { return (n + Size - 1) &^ (Size - 1) }

// Source is the system page allocator.
type Source interface {
	// AllocPages returns a fresh run of 1<<order pages.
	AllocPages(gfp GFP, order uint) (*Page, error)
	// FreePages returns a run to the system.
	FreePages(p *Page)
}
