package ion

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/ionkit/internal/idr"
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion/freelist"
	"github.com/joshuapare/ionkit/ion/page"
)

// MaxHeapID is the largest heap id a heap mask can select.
const MaxHeapID = 31

// PriorityOrder decides which heap ids are tried first.
type PriorityOrder int

const (
	// HigherIDFirst tries heaps with larger ids first.
	HigherIDFirst PriorityOrder = iota
	// LowerIDFirst tries heaps with smaller ids first.
	LowerIDFirst
)

// AllocRequest asks for memory.
type AllocRequest struct {
	Size     int64    // bytes, rounded up to a page
	Align    int64    // 0 = heap default
	HeapMask uint32   // bit n selects heap id n
	Type     HeapType // HeapTypeAny matches every type
	Flags    Flags
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the diagnostic sink.
func WithLogger(s *logger.Sink) Option { return func(d *Device) { d.log = s } }

// WithPriority sets the heap priority order.
func WithPriority(o PriorityOrder) Option { return func(d *Device) { d.order = o } }

// WithFreeListHighWater sets the queued byte count that wakes a deferred free
// worker immediately. Zero wakes it on every free.
func WithFreeListHighWater(n int64) Option { return func(d *Device) { d.flHighWater = n } }

// WithFreeListTick sets how often deferred free workers wake on their own.
func WithFreeListTick(t time.Duration) Option { return func(d *Device) { d.flTick = t } }

type heapEntry struct {
	heap Heap
	free *freelist.List[*Buffer]
	hook *ReclaimHook

	buffers       atomic.Int64
	bytes         atomic.Int64
	allocFailures atomic.Int64
}

func (e *heapEntry) deferred() bool { return e.free != nil }

// Device is the heap registry and the root of all client state.
type Device struct {
	log         *logger.Sink
	order       PriorityOrder
	flHighWater int64
	flTick      time.Duration

	mu     sync.RWMutex
	heaps  []*heapEntry
	closed bool

	clients idr.Index[*Client]

	bufMu     sync.Mutex
	live      map[*Buffer]struct{}
	bufSerial atomic.Uint64
}

// NewDevice creates an empty device.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		log:    logger.Discard(),
		flTick: time.Second,
		live:   make(map[*Buffer]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Logger returns the device's diagnostic sink.
func (d *Device) Logger() *logger.Sink { return d.log }

func (d *Device) before(a, b Heap) bool {
	if d.order == LowerIDFirst {
		return a.ID() < b.ID()
	}
	return a.ID() > b.ID()
}

// AddHeap registers h. Heaps with equal priority keep registration order.
func (d *Device) AddHeap(h Heap) error {
	if h.ID() > MaxHeapID {
		return fmt.Errorf("%w: heap id %d exceeds %d", ErrInvalidArgument, h.ID(), MaxHeapID)
	}

	e := &heapEntry{heap: h}
	if h.Flags()&HeapFlagDeferFree != 0 {
		e.free = freelist.New(
			func(b *Buffer, fromReclaimer bool) error { return d.destroy(b, fromReclaimer) },
			freelist.WithHighWater(d.flHighWater),
			freelist.WithTick(d.flTick),
			freelist.WithLogger(d.log),
			freelist.WithName(h.Name()),
		)
	}
	if _, ok := h.(Shrinker); ok || e.deferred() {
		e.hook = &ReclaimHook{entry: e}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		if e.free != nil {
			e.free.Close()
		}
		return ErrClosed
	}
	// Insert after every heap that does not come strictly later.
	pos := len(d.heaps)
	for i, cur := range d.heaps {
		if d.before(h, cur.heap) {
			pos = i
			break
		}
	}
	d.heaps = slices.Insert(d.heaps, pos, e)
	d.mu.Unlock()

	d.log.Info(logger.MaskAlloc, "heap registered",
		"heap", h.Name(), "id", h.ID(), "type", h.Type().String(),
		"deferred", e.deferred(), "reclaim", e.hook != nil)
	return nil
}

func (d *Device) entries() []*heapEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.heaps)
}

// Alloc allocates a buffer for c from the first heap, in priority order,
// whose id is in req.HeapMask, whose type matches req.Type and whose Allocate
// succeeds. Failures are not retried.
func (d *Device) Alloc(c *Client, req AllocRequest) (*Handle, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, req.Size)
	}
	if c == nil || c.closed.Load() {
		return nil, ErrClosed
	}
	size := page.Align(req.Size)

	var firstErr error
	matched := false
	for _, e := range d.entries() {
		h := e.heap
		if req.HeapMask&(1<<h.ID()) == 0 {
			continue
		}
		if req.Type != HeapTypeAny && h.Type() != req.Type {
			continue
		}
		matched = true

		b := newBuffer(d, e, size, req.Flags)
		if err := h.Allocate(b, size, req.Align, req.Flags); err != nil {
			e.allocFailures.Add(1)
			d.log.Debug(logger.MaskAlloc, "heap allocation failed",
				"heap", h.Name(), "size", size, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		d.track(b)
		d.log.Debug(logger.MaskAlloc, "buffer allocated",
			"client", c.name, "heap", h.Name(), "buffer", b.serial, "size", size)
		return c.newHandle(b)
	}

	if !matched {
		return nil, fmt.Errorf("%w: mask %#x type %s", ErrNoMatchingHeap, req.HeapMask, req.Type)
	}
	d.log.Warn(logger.MaskAlloc, "allocation failed on every heap",
		"client", c.name, "size", size, "mask", req.HeapMask, "err", firstErr)
	return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, firstErr)
}

func (d *Device) track(b *Buffer) {
	b.entry.buffers.Add(1)
	b.entry.bytes.Add(b.size)
	d.bufMu.Lock()
	d.live[b] = struct{}{}
	d.bufMu.Unlock()
}

func (d *Device) untrack(b *Buffer) {
	d.bufMu.Lock()
	delete(d.live, b)
	d.bufMu.Unlock()
	b.entry.buffers.Add(-1)
	b.entry.bytes.Add(-b.size)
}

// release retires a buffer whose last reference is gone.
func (d *Device) release(b *Buffer) error {
	if !b.state.CompareAndSwap(int32(BufferLive), int32(BufferRetired)) {
		return nil
	}
	if b.entry.deferred() {
		b.entry.free.Push(b)
		return nil
	}
	return d.destroy(b, false)
}

// destroy hands a retired buffer back to its heap.
func (d *Device) destroy(b *Buffer, fromReclaimer bool) error {
	if !b.state.CompareAndSwap(int32(BufferRetired), int32(BufferDestroyed)) {
		return nil
	}
	b.fromReclaimer.Store(fromReclaimer)
	b.dropMappings()
	err := b.heap.Free(b)
	d.untrack(b)
	if err != nil {
		d.log.Error(logger.MaskFree, "heap free failed",
			"heap", b.heap.Name(), "buffer", b.serial, "reclaim", fromReclaimer, "err", err)
		return fmt.Errorf("ion: free buffer %d on heap %q: %w", b.serial, b.heap.Name(), err)
	}
	d.log.Debug(logger.MaskFree, "buffer freed",
		"heap", b.heap.Name(), "buffer", b.serial, "size", b.size, "reclaim", fromReclaimer)
	return nil
}

// NewClient registers a new client.
func (d *Device) NewClient(name string) *Client {
	c := &Client{dev: d, name: name, byBuffer: make(map[*Buffer]*Handle)}
	c.id = d.clients.Alloc(c)
	return c
}

// Client returns the client with id.
func (d *Device) Client(id int) (*Client, error) {
	c, ok := d.clients.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: client %d", ErrNotFound, id)
	}
	return c, nil
}

func (d *Device) removeClient(c *Client) {
	d.clients.Remove(c.id)
}

// ClientInfo summarizes a client.
type ClientInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Handles int    `json:"handles"`
	Bytes   int64  `json:"bytes"`
}

// Clients returns a snapshot of every client, ordered by id.
func (d *Device) Clients() []ClientInfo {
	var out []ClientInfo
	d.clients.Range(func(id int, c *Client) bool {
		out = append(out, ClientInfo{ID: id, Name: c.name, Handles: c.Handles(), Bytes: c.Bytes()})
		return true
	})
	return out
}

// HeapStats summarizes a heap.
type HeapStats struct {
	ID            uint32   `json:"id"`
	Name          string   `json:"name"`
	Type          HeapType `json:"type"`
	Buffers       int64    `json:"buffers"`
	Bytes         int64    `json:"bytes"`
	AllocFailures int64    `json:"alloc_failures"`
	Deferred      bool     `json:"deferred"`
	FreeListBytes int64    `json:"freelist_bytes"`
	FreeListLen   int      `json:"freelist_len"`
	FreeListState string   `json:"freelist_state"`
	Reclaimable   int      `json:"reclaimable_pages"`
}

func (e *heapEntry) stats() HeapStats {
	s := HeapStats{
		ID:            e.heap.ID(),
		Name:          e.heap.Name(),
		Type:          e.heap.Type(),
		Buffers:       e.buffers.Load(),
		Bytes:         e.bytes.Load(),
		AllocFailures: e.allocFailures.Load(),
		Deferred:      e.deferred(),
		FreeListState: freelist.Empty.String(),
	}
	if e.free != nil {
		s.FreeListBytes = e.free.Size()
		s.FreeListLen = e.free.Len()
		s.FreeListState = e.free.State().String()
	}
	if e.hook != nil {
		s.Reclaimable = e.hook.Count(PressureHighMem)
	}
	return s
}

// Heaps returns stats for every heap in priority order.
func (d *Device) Heaps() []HeapStats {
	entries := d.entries()
	out := make([]HeapStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.stats())
	}
	return out
}

// HeapStats returns stats for the first heap with id.
func (d *Device) HeapStats(id uint32) (HeapStats, error) {
	for _, e := range d.entries() {
		if e.heap.ID() == id {
			return e.stats(), nil
		}
	}
	return HeapStats{}, fmt.Errorf("%w: heap %d", ErrNotFound, id)
}

// WalkHeaps calls fn for every heap with id and type, in priority order, and
// stops at the first error. HeapTypeAny matches every type. It fails with
// ErrNotFound when no heap matched.
func (d *Device) WalkHeaps(id uint32, typ HeapType, fn func(Heap) error) error {
	found := false
	for _, e := range d.entries() {
		h := e.heap
		if h.ID() != id || (typ != HeapTypeAny && h.Type() != typ) {
			continue
		}
		found = true
		if err := fn(h); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("%w: heap %d of type %s", ErrNotFound, id, typ)
	}
	return nil
}

// DrainFreeLists synchronously empties every deferred free list and returns
// the bytes freed.
func (d *Device) DrainFreeLists() int64 {
	var n int64
	for _, e := range d.entries() {
		if e.free != nil {
			n += e.free.Drain(0)
		}
	}
	return n
}

// Destroy tears the device down. It drains every deferred free list first and
// fails with ErrHeapBusy, leaving the device usable, while any buffer is
// still live. Otherwise it stops the workers and closes heaps that implement
// io.Closer.
func (d *Device) Destroy() error {
	d.DrainFreeLists()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	var busy []string
	for _, e := range d.heaps {
		if n := e.buffers.Load(); n > 0 {
			busy = append(busy, fmt.Sprintf("%s (%d buffers)", e.heap.Name(), n))
		}
	}
	if len(busy) > 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrHeapBusy, busy)
	}
	d.closed = true
	heaps := d.heaps
	d.heaps = nil
	d.mu.Unlock()

	var errs []error
	for _, e := range heaps {
		if e.free != nil {
			e.free.Close()
		}
		if c, ok := e.heap.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("ion: close heap %q: %w", e.heap.Name(), err))
			}
		}
	}
	d.log.Info(logger.MaskAlloc, "device destroyed", "heaps", len(heaps))
	return errors.Join(errs...)
}
