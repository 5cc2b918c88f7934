package ion

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/ionkit/internal/kref"
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

// BufferState tracks where a buffer is in its life.
type BufferState int32

const (
	// BufferLive buffers are reachable from handles or shared references.
	BufferLive BufferState = iota
	// BufferRetired buffers have no references left and wait on a deferred
	// free list (or are being destroyed).
	BufferRetired
	// BufferDestroyed buffers have been returned to their heap.
	BufferDestroyed
)

func (s BufferState) String() string {
	switch s {
	case BufferLive:
		return "live"
	case BufferRetired:
		return "retired"
	default:
		return "destroyed"
	}
}

// Buffer is one allocation. Handles in any number of clients may share it.
type Buffer struct {
	ref    kref.Ref
	dev    *Device
	entry  *heapEntry
	heap   Heap
	serial uint64
	size   int64
	flags  Flags

	state         atomic.Int32
	fromReclaimer atomic.Bool

	mu       sync.Mutex
	table    *sg.Table
	priv     any
	kmap     *sg.Mapping
	kmapCnt  int
	dmaTable *sg.Table
	dmaCnt   int
}

func newBuffer(d *Device, e *heapEntry, size int64, flags Flags) *Buffer {
	b := &Buffer{
		dev:    d,
		entry:  e,
		heap:   e.heap,
		serial: d.bufSerial.Add(1),
		size:   size,
		flags:  flags,
	}
	b.ref.Init()
	return b
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Flags returns the allocation flags.
func (b *Buffer) Flags() Flags { return b.flags }

// Heap returns the heap the buffer came from.
func (b *Buffer) Heap() Heap { return b.heap }

// Serial returns a device-unique buffer number.
func (b *Buffer) Serial() uint64 { return b.serial }

// State returns the life-cycle state.
func (b *Buffer) State() BufferState { return BufferState(b.state.Load()) }

// Refs returns the current reference count.
func (b *Buffer) Refs() int32 { return b.ref.Count() }

// FromReclaimer reports whether the buffer is being freed on behalf of memory
// pressure. Heaps must not re-pool its pages.
func (b *Buffer) FromReclaimer() bool { return b.fromReclaimer.Load() }

// Lock serializes heap-private state changes (such as domain assignment).
// Heaps take it inside Allocate and Free; the core takes it around mapping
// calls.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases Lock.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Table returns the scatter list set by the heap.
func (b *Buffer) Table() *sg.Table { return b.table }

// SetTable records the buffer's scatter list. Heaps call it from Allocate.
func (b *Buffer) SetTable(t *sg.Table) { b.table = t }

// Priv returns heap-private state.
func (b *Buffer) Priv() any { return b.priv }

// SetPriv stores heap-private state.
func (b *Buffer) SetPriv(v any) { b.priv = v }

// Get takes an extra reference. The caller must already hold one.
func (b *Buffer) Get() { b.ref.Get() }

func (b *Buffer) tryGet() bool { return b.ref.TryGet() }

// Put drops one reference. The last one retires the buffer.
func (b *Buffer) Put() error {
	last, err := b.ref.Put(1)
	if err != nil {
		b.dev.log.Error(logger.MaskFree, "buffer reference underflow",
			"buffer", b.serial, "heap", b.heap.Name())
		return fmt.Errorf("%w: buffer %d", ErrDoubleFree, b.serial)
	}
	if last {
		return b.dev.release(b)
	}
	return nil
}

// Sync runs cache maintenance for a device transfer in direction dir.
// Uncached buffers need none.
func (b *Buffer) Sync(dir page.Direction) error {
	if b.flags&FlagCached == 0 {
		return nil
	}
	return b.table.Sync(dir)
}

// MapKernel returns the kernel view of the buffer. Mappings are counted;
// each call must be paired with UnmapKernel.
func (b *Buffer) MapKernel() (*sg.Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kmapCnt > 0 {
		b.kmapCnt++
		return b.kmap, nil
	}
	m, err := b.heap.MapKernel(b)
	if err != nil {
		return nil, err
	}
	b.kmap = m
	b.kmapCnt = 1
	return m, nil
}

// UnmapKernel drops one kernel mapping.
func (b *Buffer) UnmapKernel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kmapCnt == 0 {
		return
	}
	b.kmapCnt--
	if b.kmapCnt == 0 {
		b.heap.UnmapKernel(b)
		b.kmap = nil
	}
}

// MapDMA returns the device view of the buffer, counted like MapKernel.
func (b *Buffer) MapDMA() (*sg.Table, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dmaCnt > 0 {
		b.dmaCnt++
		return b.dmaTable, nil
	}
	t, err := b.heap.MapDMA(b)
	if err != nil {
		return nil, err
	}
	b.dmaTable = t
	b.dmaCnt = 1
	return t, nil
}

// UnmapDMA drops one device mapping.
func (b *Buffer) UnmapDMA() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dmaCnt == 0 {
		return
	}
	b.dmaCnt--
	if b.dmaCnt == 0 {
		b.heap.UnmapDMA(b)
		b.dmaTable = nil
	}
}

// MapUser installs the buffer into v.
func (b *Buffer) MapUser(v *sg.VMA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.MapUser(b, v)
}

// Phys returns the physical range of a contiguous buffer.
func (b *Buffer) Phys() (uint64, int64, error) {
	ph, ok := b.heap.(PhysHeap)
	if !ok {
		return 0, 0, fmt.Errorf("%w: heap %q is not contiguous", ErrInvalidArgument, b.heap.Name())
	}
	return ph.Phys(b)
}

// dropMappings tears down mappings left behind by a careless owner.
func (b *Buffer) dropMappings() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kmapCnt > 0 {
		b.dev.log.Warn(logger.MaskFree, "buffer freed with kernel mapping",
			"buffer", b.serial, "maps", b.kmapCnt)
		b.heap.UnmapKernel(b)
		b.kmap, b.kmapCnt = nil, 0
	}
	if b.dmaCnt > 0 {
		b.heap.UnmapDMA(b)
		b.dmaTable, b.dmaCnt = nil, 0
	}
}
