package ion

import (
	"fmt"
	"io"
	"sort"
)

const orphanClient = "(orphan)"

// owners maps each buffer referenced by a handle to the first client holding
// it, in client id order.
func (d *Device) owners() map[*Buffer]string {
	out := make(map[*Buffer]string)
	d.clients.Range(func(_ int, c *Client) bool {
		c.handles.Range(func(_ int, h *Handle) bool {
			if _, ok := out[h.buf]; !ok {
				out[h.buf] = c.name
			}
			return true
		})
		return true
	})
	return out
}

func (d *Device) liveBuffers(e *heapEntry) []*Buffer {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	var out []*Buffer
	for b := range d.live {
		if b.entry == e && b.State() == BufferLive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].serial < out[j].serial })
	return out
}

// memMap returns the live buffers of heap entry e with their owners, sorted
// by start address. Buffers without a physical range are left out.
func (d *Device) memMap(e *heapEntry, owners map[*Buffer]string) []MemMapEntry {
	var out []MemMapEntry
	for _, b := range d.liveBuffers(e) {
		addr, size, err := b.Phys()
		if err != nil {
			continue
		}
		client, ok := owners[b]
		if !ok {
			client = orphanClient
		}
		out = append(out, MemMapEntry{Start: addr, End: addr + uint64(size), Size: size, Client: client})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DebugDump writes the state of the first heap with id: per-client usage,
// buffers no client holds a handle to, the deferred free list, and then the
// heap's own dump with its memory map.
func (d *Device) DebugDump(w io.Writer, id uint32) error {
	var entry *heapEntry
	for _, e := range d.entries() {
		if e.heap.ID() == id {
			entry = e
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("%w: heap %d", ErrNotFound, id)
	}
	h := entry.heap
	owners := d.owners()

	fmt.Fprintf(w, "heap %d %s (%s)\n", h.ID(), h.Name(), h.Type())
	fmt.Fprintf(w, "%16s %16s %16s\n", "client", "id", "size")
	fmt.Fprintln(w, "----------------------------------------------------")
	d.clients.Range(func(cid int, c *Client) bool {
		var size int64
		seen := make(map[*Buffer]bool)
		c.handles.Range(func(_ int, hd *Handle) bool {
			if hd.buf.entry == entry && !seen[hd.buf] {
				seen[hd.buf] = true
				size += hd.buf.size
			}
			return true
		})
		if size > 0 {
			fmt.Fprintf(w, "%16s %16d %16d\n", c.name, cid, size)
		}
		return true
	})
	fmt.Fprintln(w, "----------------------------------------------------")

	fmt.Fprintln(w, "orphaned allocations (info is from last known client):")
	var total, orphaned int64
	for _, b := range d.liveBuffers(entry) {
		total += b.size
		if _, ok := owners[b]; !ok {
			orphaned += b.size
			fmt.Fprintf(w, "%16s %16d %16d %d\n", orphanClient, b.serial, b.size, b.Refs())
		}
	}
	fmt.Fprintln(w, "----------------------------------------------------")
	fmt.Fprintf(w, "%16s %16d\n", "total orphaned", orphaned)
	fmt.Fprintf(w, "%16s %16d\n", "total", total)
	if entry.free != nil {
		fmt.Fprintf(w, "%16s %16d\n", "deferred free", entry.free.Size())
	}
	fmt.Fprintln(w, "----------------------------------------------------")

	if dd, ok := h.(DebugDumper); ok {
		return dd.DebugDump(w, d.memMap(entry, owners))
	}
	return nil
}
