package ion

import (
	"fmt"
	"io"
	"strings"

	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/secure"
	"github.com/joshuapare/ionkit/ion/sg"
)

// HeapType names a backend strategy. HeapTypeAny matches every heap in an
// AllocRequest.
type HeapType int

const (
	HeapTypeAny HeapType = iota
	HeapTypeSystem
	HeapTypeSystemContig
	HeapTypeCarveout
	HeapTypeChunk
	HeapTypeCMA
	HeapTypeSecureSystem
	HeapTypeSecureCMA
)

var heapTypeNames = []string{
	HeapTypeAny:          "any",
	HeapTypeSystem:       "system",
	HeapTypeSystemContig: "system_contig",
	HeapTypeCarveout:     "carveout",
	HeapTypeChunk:        "chunk",
	HeapTypeCMA:          "cma",
	HeapTypeSecureSystem: "secure_system",
	HeapTypeSecureCMA:    "secure_cma",
}

func (t HeapType) String() string {
	if t >= 0 && int(t) < len(heapTypeNames) {
		return heapTypeNames[t]
	}
	return fmt.Sprintf("heaptype(%d)", int(t))
}

// ParseHeapType is the inverse of HeapType.String.
func ParseHeapType(s string) (HeapType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range heapTypeNames {
		if n == s {
			return HeapType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown heap type %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t HeapType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *HeapType) UnmarshalText(b []byte) error {
	v, err := ParseHeapType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// HeapFlags are per-heap behaviour flags.
type HeapFlags uint32

const (
	// HeapFlagDeferFree routes buffer destruction through the heap's deferred
	// free list.
	HeapFlagDeferFree HeapFlags = 1 << iota
)

// Flags are per-allocation flags. The content-protection bits are shared with
// package secure.
type Flags uint64

const (
	// FlagCached requests cacheable memory. Cached buffers need Sync around
	// device access.
	FlagCached Flags = 1 << 0
	// FlagCachedNeedsSync asks the heap to flush freshly allocated pages.
	FlagCachedNeedsSync Flags = 1 << 1
	// FlagSecure requests memory owned by a secure domain.
	FlagSecure Flags = 1 << 31
)

// CP returns the content-protection bits of f.
func (f Flags) CP() secure.Flags { return secure.Flags(f) & secure.FlagsCPMask }

// Pressure is the class of memory the reclaimer wants back.
type Pressure uint8

const (
	// PressureNormal may only take low memory.
	PressureNormal Pressure = iota
	// PressureHighMem may take high memory as well, high memory first.
	PressureHighMem
)

// GFP returns the page allocation mask matching p.
func (p Pressure) GFP() page.GFP {
	if p == PressureHighMem {
		return page.GFPHighMem
	}
	return 0
}

func (p Pressure) String() string {
	if p == PressureHighMem {
		return "highmem"
	}
	return "normal"
}

// ParsePressure parses "normal" or "highmem".
func ParsePressure(s string) (Pressure, error) {
	switch s {
	case "normal", "":
		return PressureNormal, nil
	case "highmem":
		return PressureHighMem, nil
	}
	return 0, fmt.Errorf("%w: unknown pressure %q", ErrInvalidArgument, s)
}

// Heap is a memory backend.
type Heap interface {
	ID() uint32
	Type() HeapType
	Name() string
	Flags() HeapFlags

	// Allocate fills b with size bytes. size is page aligned.
	Allocate(b *Buffer, size, align int64, flags Flags) error
	// Free releases b's memory. When b.FromReclaimer() is set the memory
	// must go back to the system, not to a pool.
	Free(b *Buffer) error

	MapDMA(b *Buffer) (*sg.Table, error)
	UnmapDMA(b *Buffer)
	MapKernel(b *Buffer) (*sg.Mapping, error)
	UnmapKernel(b *Buffer)
	MapUser(b *Buffer, v *sg.VMA) error
}

// PhysHeap is implemented by heaps that hand out physically contiguous
// buffers.
type PhysHeap interface {
	Phys(b *Buffer) (addr uint64, size int64, err error)
}

// Shrinker is implemented by heaps that cache memory. Shrink releases up to
// n pages and returns the number released; n == 0 returns the number that
// could be released.
type Shrinker interface {
	Shrink(p Pressure, n int) int
}

// DebugDumper is implemented by heaps that can describe their state.
// mem lists the live buffers of the heap sorted by start address.
type DebugDumper interface {
	DebugDump(w io.Writer, mem []MemMapEntry) error
}

// MemMapEntry is one live buffer in a heap dump.
type MemMapEntry struct {
	Start  uint64
	End    uint64
	Size   int64
	Client string
}

// Desc describes a heap to build.
type Desc struct {
	ID        uint32
	Type      HeapType
	Name      string
	Base      uint64 // region heaps: first address
	Size      int64  // region heaps: bytes; system heaps: page limit in bytes (0 = none)
	Align     int64  // region heaps: minimum allocation alignment
	ChunkSize int64  // chunk heap: allocation granule
	Orders    []uint // pooled heaps: page orders, largest first
	Flags     HeapFlags
}

// HeapBase carries a heap's descriptor and implements the identity half of
// Heap. Backends embed it.
type HeapBase struct {
	desc Desc
}

// NewHeapBase wraps d.
func NewHeapBase(d Desc) HeapBase { return HeapBase{desc: d} }

func (h *HeapBase) ID() uint32       { return h.desc.ID }
func (h *HeapBase) Type() HeapType   { return h.desc.Type }
func (h *HeapBase) Name() string     { return h.desc.Name }
func (h *HeapBase) Flags() HeapFlags { return h.desc.Flags }
func (h *HeapBase) Desc() Desc       { return h.desc }
