package ion

import (
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion/page"
)

// ReclaimHook is the memory-pressure callback pair attached to a heap that
// has a deferred free list or implements Shrinker. All counts are in pages.
type ReclaimHook struct {
	entry *heapEntry
}

// Count returns how many pages Scan could release under p.
func (r *ReclaimHook) Count(p Pressure) int {
	n := 0
	if f := r.entry.free; f != nil {
		n += int(f.Size() / page.Size)
	}
	if s, ok := r.entry.heap.(Shrinker); ok {
		n += s.Shrink(p, 0)
	}
	return n
}

// Scan releases up to n pages: deferred buffers first, freed straight back to
// the system, then the heap's own caches. It returns the pages released.
func (r *ReclaimHook) Scan(p Pressure, n int) int {
	if n <= 0 {
		return 0
	}
	freed := 0
	if f := r.entry.free; f != nil {
		freed += int(f.Shrink(int64(n)*page.Size) / page.Size)
	}
	if s, ok := r.entry.heap.(Shrinker); ok && freed < n {
		freed += s.Shrink(p, n-freed)
	}
	return freed
}

// ReclaimCount returns the pages every heap could release under p.
func (d *Device) ReclaimCount(p Pressure) int {
	n := 0
	for _, e := range d.entries() {
		if e.hook != nil {
			n += e.hook.Count(p)
		}
	}
	return n
}

// Reclaim asks heaps, in priority order, to release memory until target pages
// were released and returns the number released. target <= 0 releases
// everything reclaimable. Concurrent calls are safe.
func (d *Device) Reclaim(p Pressure, target int) int {
	freed := 0
	for _, e := range d.entries() {
		if e.hook == nil {
			continue
		}
		want := target - freed
		if target <= 0 {
			want = e.hook.Count(p)
		}
		if want <= 0 {
			if target > 0 {
				break
			}
			continue
		}
		got := e.hook.Scan(p, want)
		freed += got
		if got > 0 {
			d.log.Debug(logger.MaskReclaim, "heap reclaimed",
				"heap", e.heap.Name(), "pressure", p.String(), "pages", got)
		}
	}
	d.log.Info(logger.MaskReclaim, "reclaim done", "pressure", p.String(), "target", target, "pages", freed)
	return freed
}
