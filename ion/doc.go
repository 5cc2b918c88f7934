// Package ion is a pluggable memory allocator that serves buffers to
// independent clients from a prioritized set of heaps.
//
// # Overview
//
// A Device owns the heap registry and the client list. A client asks the
// device for memory with an AllocRequest; the device walks its heaps in
// priority order, picks the first heap whose id is in the request's heap mask
// (and whose type matches, when one is given) and asks it to fill a Buffer.
// The client receives a Handle, a per-client reference to the shared Buffer.
//
//	dev := ion.NewDevice(ion.WithLogger(sink))
//	if err := dev.AddHeap(sysHeap); err != nil {
//	    return err
//	}
//	c := dev.NewClient("camera")
//	h, err := c.Alloc(ion.AllocRequest{
//	    Size:     1 << 20,
//	    HeapMask: 1 << sysHeap.ID(),
//	    Flags:    ion.FlagCached,
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.HandlePut(h, 1)
//
// # Ownership
//
//   - Buffer: one per successful allocation, reference counted. It keeps a
//     plain pointer to its heap; heaps are never removed while buffers exist.
//   - Handle: one per (client, buffer) pair, reference counted, holds one
//     buffer reference. Ids are unique within a client.
//   - Client: owns its handles through an id index that lookups read without
//     locking. Destroy force-releases every remaining handle.
//
// When the last buffer reference goes away the buffer is either destroyed
// right away or, for heaps with HeapFlagDeferFree, queued on the heap's
// deferred free list where a background worker calls Heap.Free later. At any
// moment a buffer is reachable from handles (or shared references) or from
// the deferred free list, never both.
//
// # Heaps
//
// Heap is the backend interface. Optional capabilities are discovered with
// type assertions:
//
//   - PhysHeap: contiguous heaps report the physical range of a buffer
//   - Shrinker: heaps holding cached pages release them under pressure
//   - DebugDumper: heaps print their own state for Device.DebugDump
//
// Reference backends live in package heaps.
//
// # Reclaim
//
// Every heap with a deferred free list or a Shrinker gets a ReclaimHook.
// Device.Reclaim drives the hooks in priority order: first the deferred free
// list is shrunk (buffers freed this way carry the from-reclaimer flag so the
// backend returns their pages to the system instead of its pools), then the
// heap's own caches.
package ion
