// Package freelist defers buffer destruction to a background worker so the
// release path never pays for freeing memory.
//
// A List moves through Empty → Queued → Draining → Empty. Push appends under
// the list lock and wakes the worker; the worker (or a synchronous Drain or
// Shrink from the reclaim path) pops one item at a time, drops the lock while
// the real destroy runs, and retakes it to account for the freed bytes.
package freelist

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/joshuapare/ionkit/internal/logger"
)

// Item is anything with a byte size.
type Item interface {
	Size() int64
}

// DestroyFunc frees an item for real. fromReclaimer is set when the item is
// destroyed on behalf of memory pressure and must not be re-pooled.
type DestroyFunc[T Item] func(item T, fromReclaimer bool) error

// State is the list's lifecycle state.
type State int

const (
	Empty State = iota
	Queued
	Draining
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Draining:
		return "draining"
	default:
		return "empty"
	}
}

type config struct {
	highWater int64
	tick      time.Duration
	log       *logger.Sink
	name      string
}

// Option configures a List.
type Option func(*config)

// WithHighWater wakes the worker only once the queued bytes reach n. Below it
// the worker runs on its tick. Zero wakes on every push.
func WithHighWater(n int64) Option { return func(c *config) { c.highWater = n } }

// WithTick sets the worker's periodic wake-up interval. Zero disables it.
func WithTick(d time.Duration) Option { return func(c *config) { c.tick = d } }

// WithLogger sets the diagnostic sink.
func WithLogger(s *logger.Sink) Option { return func(c *config) { c.log = s } }

// WithName labels the list in diagnostics.
func WithName(name string) Option { return func(c *config) { c.name = name } }

// List is a deferred free queue with one background worker.
type List[T Item] struct {
	cfg     config
	destroy DestroyFunc[T]

	mu       sync.Mutex
	queue    *list.List
	size     int64
	inflight int
	closed   bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a list and starts its worker.
func New[T Item](destroy DestroyFunc[T], opts ...Option) *List[T] {
	cfg := config{tick: time.Second, log: logger.Discard()}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &List[T]{
		cfg:     cfg,
		destroy: destroy,
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	l.wg.Add(1)
	go l.run(ctx)
	return l
}

// Push queues item for destruction and returns immediately. After Close the
// item is destroyed inline.
func (l *List[T]) Push(item T) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.destroyOne(item, false)
		return
	}
	l.queue.PushBack(item)
	l.size += item.Size()
	signal := l.cfg.highWater == 0 || l.size >= l.cfg.highWater
	l.mu.Unlock()

	if signal {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Size returns the queued bytes, including an item being destroyed.
func (l *List[T]) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Len returns the number of queued items.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// State returns the current lifecycle state.
func (l *List[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.inflight > 0:
		return Draining
	case l.queue.Len() > 0:
		return Queued
	default:
		return Empty
	}
}

// Drain synchronously destroys queued items until at least n bytes were freed
// (n <= 0 means all) and returns the bytes freed. Items may be re-pooled.
func (l *List[T]) Drain(n int64) int64 { return l.drain(n, false) }

// Shrink is Drain for the reclaim path: items are destroyed with
// fromReclaimer set so their memory goes back to the system.
func (l *List[T]) Shrink(n int64) int64 { return l.drain(n, true) }

func (l *List[T]) drain(limit int64, fromReclaimer bool) int64 {
	var total int64
	l.mu.Lock()
	for l.queue.Len() > 0 && (limit <= 0 || total < limit) {
		e := l.queue.Front()
		l.queue.Remove(e)
		item := e.Value.(T) //nolint:errcheck // queue holds T only
		l.inflight++
		l.mu.Unlock()

		l.destroyOne(item, fromReclaimer)
		sz := item.Size()
		total += sz

		l.mu.Lock()
		l.size -= sz
		l.inflight--
	}
	l.mu.Unlock()
	return total
}

func (l *List[T]) destroyOne(item T, fromReclaimer bool) {
	if err := l.destroy(item, fromReclaimer); err != nil {
		l.cfg.log.Error(logger.MaskFree, "deferred free failed",
			"list", l.cfg.name, "size", item.Size(), "reclaim", fromReclaimer, "err", err)
	}
}

func (l *List[T]) run(ctx context.Context) {
	defer l.wg.Done()

	var tick <-chan time.Time
	if l.cfg.tick > 0 {
		t := time.NewTicker(l.cfg.tick)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-tick:
		}
		if n := l.drain(0, false); n > 0 {
			l.cfg.log.Debug(logger.MaskFree, "deferred free drained", "list", l.cfg.name, "bytes", n)
		}
	}
}

// Close stops the worker and destroys everything still queued.
func (l *List[T]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	l.drain(0, false)
}
