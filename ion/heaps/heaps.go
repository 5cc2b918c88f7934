// Package heaps provides the reference ion backends.
//
//   - system: non-contiguous pages from per-order page pools
//   - system_contig: one physically contiguous page run per buffer
//   - carveout: contiguous ranges of a reserved region, zeroed on free
//   - chunk: fixed-size chunks of a reserved region
//   - cma: contiguous, order-aligned ranges of a reserved region
//   - secure_system: system pages moved into a secure domain
//   - secure_cma: cma ranges moved into a secure domain
//
// New builds any of them from an ion.Desc.
package heaps

import (
	"fmt"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/secure"
	"github.com/joshuapare/ionkit/ion/sg"
)

// Env carries the collaborators heaps are built with.
type Env struct {
	// Source supplies system pages. nil builds a System source per heap,
	// capped at Desc.Size when set.
	Source page.Source
	// Hyp performs domain transfers for secure heaps. nil uses a fresh
	// in-memory table.
	Hyp secure.Hypervisor
	// Log is the diagnostic sink. nil discards.
	Log *logger.Sink
}

func (e Env) withDefaults(d ion.Desc) Env {
	if e.Source == nil {
		var opts []page.SystemOption
		if d.Size > 0 {
			opts = append(opts, page.WithLimit(d.Size/page.Size))
		}
		e.Source = page.NewSystem(opts...)
	}
	if e.Hyp == nil {
		e.Hyp = secure.NewTable()
	}
	if e.Log == nil {
		e.Log = logger.Discard()
	}
	return e
}

// New builds the heap described by d.
func New(d ion.Desc, env Env) (ion.Heap, error) {
	env = env.withDefaults(d)
	switch d.Type {
	case ion.HeapTypeSystem:
		return NewSystem(d, env)
	case ion.HeapTypeSystemContig:
		return NewContig(d, env)
	case ion.HeapTypeCarveout:
		return NewCarveout(d, env)
	case ion.HeapTypeChunk:
		return NewChunk(d, env)
	case ion.HeapTypeCMA:
		return NewCMA(d, env)
	case ion.HeapTypeSecureSystem:
		return NewSecureSystem(d, env)
	case ion.HeapTypeSecureCMA:
		return NewSecureCMA(d, env)
	default:
		return nil, fmt.Errorf("%w: cannot build heap %q of type %s", ion.ErrInvalidArgument, d.Name, d.Type)
	}
}

// Prefetcher is implemented by heaps that keep memory pre-assigned to secure
// domains.
type Prefetcher interface {
	// Prefetch moves size bytes into vmid's pool ahead of allocations.
	Prefetch(vmid secure.VMID, size int64) error
	// Drain returns up to size bytes (all when size <= 0) from vmid's pool
	// to the system.
	Drain(vmid secure.VMID, size int64) error
	// SecurePoolTotal returns the pages pooled for vmid.
	SecurePoolTotal(vmid secure.VMID) int
}

// mapOps implements the mapping half of ion.Heap on top of the buffer's
// scatter list.
type mapOps struct{}

func (mapOps) MapDMA(b *ion.Buffer) (*sg.Table, error) {
	if b.Table() == nil {
		return nil, fmt.Errorf("%w: buffer %d has no memory", ion.ErrInvalidArgument, b.Serial())
	}
	return b.Table(), nil
}

func (mapOps) UnmapDMA(*ion.Buffer) {}

func (mapOps) MapKernel(b *ion.Buffer) (*sg.Mapping, error) {
	if b.Table() == nil {
		return nil, fmt.Errorf("%w: buffer %d has no memory", ion.ErrInvalidArgument, b.Serial())
	}
	return sg.NewMapping(b.Table()), nil
}

func (mapOps) UnmapKernel(*ion.Buffer) {}

func (mapOps) MapUser(b *ion.Buffer, v *sg.VMA) error {
	return b.Table().MapInto(v)
}

// vmidsFor returns the secure domains flags ask for.
func vmidsFor(flags ion.Flags) ([]secure.VMID, error) {
	if flags&ion.FlagSecure == 0 {
		return nil, fmt.Errorf("%w: secure heap needs the secure flag", ion.ErrInvalidArgument)
	}
	cp := flags.CP()
	if secure.CountSetBits(cp) <= 1 {
		v, err := secure.GetSecureVMID(cp)
		if err != nil {
			return nil, err
		}
		return []secure.VMID{v}, nil
	}
	vmids, err := secure.PopulateVMList(cp, secure.CountSetBits(cp))
	if err != nil {
		return nil, err
	}
	for _, v := range vmids {
		if !secure.IsSecureVMIDValid(v) {
			return nil, fmt.Errorf("%w: %v is not a secure domain", ion.ErrInvalidVMIDFlags, v)
		}
	}
	return vmids, nil
}
