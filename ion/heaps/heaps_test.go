package heaps

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/page"
)

func register(t *testing.T, h ion.Heap, opts ...ion.Option) (*ion.Device, *ion.Client) {
	t.Helper()
	d := ion.NewDevice(opts...)
	require.NoError(t, d.AddHeap(h))
	t.Cleanup(func() { _ = d.Destroy() })
	return d, d.NewClient(t.Name())
}

func alloc(t *testing.T, c *ion.Client, h ion.Heap, size int64, flags ion.Flags) *ion.Handle {
	t.Helper()
	hd, err := c.Alloc(ion.AllocRequest{Size: size, HeapMask: 1 << h.ID(), Flags: flags})
	require.NoError(t, err)
	return hd
}

func TestNew_BuildsEveryType(t *testing.T) {
	tests := []struct {
		desc ion.Desc
		want any
	}{
		{ion.Desc{ID: 1, Type: ion.HeapTypeSystem, Name: "system"}, &SystemHeap{}},
		{ion.Desc{ID: 2, Type: ion.HeapTypeSystemContig, Name: "contig"}, &ContigHeap{}},
		{ion.Desc{ID: 3, Type: ion.HeapTypeCarveout, Name: "carveout", Size: 1 << 20}, &CarveoutHeap{}},
		{ion.Desc{ID: 4, Type: ion.HeapTypeChunk, Name: "chunk", Size: 1 << 20}, &ChunkHeap{}},
		{ion.Desc{ID: 5, Type: ion.HeapTypeCMA, Name: "cma", Size: 1 << 20}, &CMAHeap{}},
		{ion.Desc{ID: 6, Type: ion.HeapTypeSecureSystem, Name: "secure"}, &SecureSystemHeap{}},
		{ion.Desc{ID: 7, Type: ion.HeapTypeSecureCMA, Name: "secure_cma", Size: 1 << 20}, &SecureCMAHeap{}},
	}
	for _, tt := range tests {
		t.Run(tt.desc.Name, func(t *testing.T) {
			h, err := New(tt.desc, Env{})
			require.NoError(t, err)
			require.IsType(t, tt.want, h)
			require.Equal(t, tt.desc.ID, h.ID())
			require.Equal(t, tt.desc.Type, h.Type())
			if c, ok := h.(interface{ Close() error }); ok {
				require.NoError(t, c.Close())
			}
		})
	}

	_, err := New(ion.Desc{Type: ion.HeapTypeAny}, Env{})
	require.ErrorIs(t, err, ion.ErrInvalidArgument)

	_, err = New(ion.Desc{Type: ion.HeapTypeCarveout, Name: "empty"}, Env{})
	require.ErrorIs(t, err, ion.ErrInvalidArgument)

	_, err = New(ion.Desc{Type: ion.HeapTypeChunk, Name: "odd", Size: 1 << 20, ChunkSize: 3000}, Env{})
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
}

func TestContig_PhysAndRelease(t *testing.T) {
	src := page.NewSystem()
	h, err := NewContig(ion.Desc{ID: 2, Type: ion.HeapTypeSystemContig, Name: "contig"}, Env{Source: src})
	require.NoError(t, err)
	_, c := register(t, h)

	hd := alloc(t, c, h, 3*page.Size, 0)
	addr, size, err := hd.Buffer().Phys()
	require.NoError(t, err)
	require.Equal(t, hd.Buffer().Table().Extents[0].Addr, addr)
	require.Equal(t, int64(3*page.Size), size)
	require.Equal(t, int64(4), src.Stats().InUse, "one order-2 run")

	require.NoError(t, c.HandlePut(hd, 1))
	require.Zero(t, src.Stats().InUse)

	_, err = c.Alloc(ion.AllocRequest{Size: page.Size, Align: 4 * page.Size, HeapMask: 1 << 2})
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
	require.Zero(t, src.Stats().InUse)
}

func TestCarveout_RangesZeroAndDump(t *testing.T) {
	h, err := NewCarveout(ion.Desc{ID: 3, Type: ion.HeapTypeCarveout, Name: "carve", Base: 0x8000_0000, Size: 16 * page.Size}, Env{})
	require.NoError(t, err)
	d, c := register(t, h)

	addr, err := h.AllocRange(4*page.Size, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8000_0000), addr)
	_, err = h.AllocRange(16*page.Size, 0)
	require.ErrorIs(t, err, ion.ErrNoSpace)
	require.NoError(t, h.FreeRange(addr, 4*page.Size))

	hd := alloc(t, c, h, 2*page.Size, 0)
	m, err := hd.Buffer().MapKernel()
	require.NoError(t, err)
	_, err = m.WriteAt([]byte("secret"), 0)
	require.NoError(t, err)
	hd.Buffer().UnmapKernel()
	mem := hd.Buffer().Table().Extents[0].Mem

	var out bytes.Buffer
	require.NoError(t, d.DebugDump(&out, 3))
	require.Contains(t, out.String(), "FREE")
	require.Contains(t, out.String(), t.Name())

	require.NoError(t, c.HandlePut(hd, 1))
	require.Equal(t, make([]byte, 6), mem[:6], "zeroed on free")
	require.Equal(t, int64(16*page.Size), h.Avail())
}

func TestChunk_RoundsToChunks(t *testing.T) {
	const chunk = 4 * page.Size
	h, err := NewChunk(ion.Desc{ID: 4, Type: ion.HeapTypeChunk, Name: "chunk", Size: 4 * chunk, ChunkSize: chunk}, Env{})
	require.NoError(t, err)
	_, c := register(t, h)

	hd := alloc(t, c, h, chunk+page.Size, 0)
	tbl := hd.Buffer().Table()
	require.Equal(t, 2, tbl.Len())
	for _, e := range tbl.Extents {
		require.Equal(t, int64(chunk), e.Len)
		require.Zero(t, e.Addr%chunk)
	}

	// Three chunks left would be needed, only two remain: nothing leaks.
	_, err = c.Alloc(ion.AllocRequest{Size: 3 * chunk, HeapMask: 1 << 4})
	require.ErrorIs(t, err, ion.ErrNoSpace)
	hd2 := alloc(t, c, h, 2*chunk, 0)

	require.NoError(t, c.HandlePut(hd, 1))
	require.NoError(t, c.HandlePut(hd2, 1))
	require.Equal(t, uint64(4*chunk), h.r.pool.Avail())
}

func TestCMA_NaturalAlignment(t *testing.T) {
	h, err := NewCMA(ion.Desc{ID: 5, Type: ion.HeapTypeCMA, Name: "cma", Size: 64 * page.Size}, Env{})
	require.NoError(t, err)
	_, c := register(t, h)

	small := alloc(t, c, h, page.Size, 0)
	big := alloc(t, c, h, 16*page.Size, ion.FlagCached|ion.FlagCachedNeedsSync)

	addr, size, err := big.Buffer().Phys()
	require.NoError(t, err)
	require.Equal(t, int64(16*page.Size), size)
	require.Zero(t, addr%(16*page.Size))
	require.Equal(t, make([]byte, 16*page.Size), big.Buffer().Table().Extents[0].Mem)

	require.NoError(t, c.HandlePut(small, 1))
	require.NoError(t, c.HandlePut(big, 1))
}
