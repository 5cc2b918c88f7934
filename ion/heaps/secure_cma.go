package heaps

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/secure"
)

// SecureCMAHeap hands out cma ranges owned by secure domains. Ranges that
// cannot be returned to the non-secure domain are never reused.
type SecureCMAHeap struct {
	ion.HeapBase
	mapOps

	cma    *CMAHeap
	hyp    secure.Hypervisor
	log    *logger.Sink
	leaked atomic.Int64
}

// NewSecureCMA builds a secure cma heap.
func NewSecureCMA(d ion.Desc, env Env) (*SecureCMAHeap, error) {
	env = env.withDefaults(d)
	cma, err := NewCMA(d, env)
	if err != nil {
		return nil, err
	}
	return &SecureCMAHeap{HeapBase: ion.NewHeapBase(d), cma: cma, hyp: env.Hyp, log: env.Log}, nil
}

// Allocate implements ion.Heap.
func (h *SecureCMAHeap) Allocate(b *ion.Buffer, size, align int64, flags ion.Flags) error {
	vmids, err := vmidsFor(flags)
	if err != nil {
		return err
	}
	t, err := h.cma.allocTable(size, align)
	if err != nil {
		return err
	}

	b.Lock()
	err = secure.AssignMulti(h.hyp, t, vmids)
	b.Unlock()
	if err != nil {
		if errors.Is(err, secure.ErrLeaked) {
			h.leaked.Add(t.Size())
			h.log.Error(logger.MaskAssign, "leaking cma range after failed assignment",
				"heap", h.Name(), "addr", t.Extents[0].Addr, "err", err)
		} else {
			_ = h.cma.freeTable(t)
		}
		return fmt.Errorf("heap %q: %w", h.Name(), err)
	}
	b.SetTable(t)
	b.SetPriv(&secureAlloc{vmids: vmids})
	return nil
}

// Free implements ion.Heap.
func (h *SecureCMAHeap) Free(b *ion.Buffer) error {
	sa, ok := b.Priv().(*secureAlloc)
	if !ok {
		return fmt.Errorf("%w: buffer %d was not allocated by %q", ion.ErrInvalidArgument, b.Serial(), h.Name())
	}
	t := b.Table()

	b.Lock()
	err := secure.UnassignMulti(h.hyp, t, sa.vmids)
	b.Unlock()
	if err != nil {
		h.leaked.Add(t.Size())
		h.log.Error(logger.MaskAssign, "leaking cma range after failed unassign",
			"heap", h.Name(), "buffer", b.Serial(), "err", err)
		return fmt.Errorf("heap %q: %w", h.Name(), err)
	}
	t.Zero()
	return h.cma.freeTable(t)
}

// Leaked returns the bytes lost to failed domain transfers.
func (h *SecureCMAHeap) Leaked() int64 { return h.leaked.Load() }

// Phys implements ion.PhysHeap.
func (h *SecureCMAHeap) Phys(b *ion.Buffer) (uint64, int64, error) { return h.cma.Phys(b) }

// DebugDump implements ion.DebugDumper.
func (h *SecureCMAHeap) DebugDump(w io.Writer, mem []ion.MemMapEntry) error {
	if _, err := fmt.Fprintf(w, "leaked %d bytes\n", h.Leaked()); err != nil {
		return err
	}
	return h.cma.DebugDump(w, mem)
}

// Close releases the reserved region.
func (h *SecureCMAHeap) Close() error { return h.cma.Close() }
