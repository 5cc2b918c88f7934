package sg

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ionkit/ion/page"
)

func threeExtents() *Table {
	return &Table{Extents: []Extent{
		{Addr: 0x1000, Len: 4, Mem: make([]byte, 4)},
		{Addr: 0x9000, Len: 2, Mem: make([]byte, 2)},
		{Addr: 0x5000, Len: 6, Mem: make([]byte, 6)},
	}}
}

func TestTable_SizeAndLen(t *testing.T) {
	tbl := threeExtents()
	require.Equal(t, 3, tbl.Len())
	require.Equal(t, int64(12), tbl.Size())

	var nilTable *Table
	require.Equal(t, 0, nilTable.Len())
	require.Equal(t, int64(0), nilTable.Size())
	require.Nil(t, nilTable.Pages())
}

func TestFromPages(t *testing.T) {
	p0 := page.New(0x1000, 0, false, make([]byte, page.Size))
	p1 := page.New(0x8000, 1, true, make([]byte, 2*page.Size))
	tbl := FromPages([]*page.Page{p0, p1})

	require.Equal(t, int64(3*page.Size), tbl.Size())
	require.Equal(t, []*page.Page{p0, p1}, tbl.Pages())
	require.Equal(t, uint64(0x8000+2*page.Size), tbl.Extents[1].End())
}

func TestMapping_ReadWriteAcrossExtents(t *testing.T) {
	tbl := threeExtents()
	m := NewMapping(tbl)
	require.Equal(t, int64(12), m.Size())

	n, err := m.WriteAt([]byte("abcdefgh"), 2)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	require.Equal(t, []byte{0, 0, 'a', 'b'}, tbl.Extents[0].Mem)
	require.Equal(t, []byte("cd"), tbl.Extents[1].Mem)
	require.Equal(t, []byte{'e', 'f', 'g', 'h', 0, 0}, tbl.Extents[2].Mem)

	buf := make([]byte, 6)
	n, err = m.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []byte("bcdefg"), buf)

	n, err = m.ReadAt(make([]byte, 10), 8)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 4, n)

	_, err = m.WriteAt([]byte("xyz"), 11)
	require.ErrorIs(t, err, io.ErrShortWrite)

	tbl.Zero()
	require.Equal(t, make([]byte, 6), tbl.Extents[2].Mem)
}

func TestMapInto_OffsetAndTruncate(t *testing.T) {
	mk := func(addr uint64) Extent {
		return Extent{Addr: addr, Len: page.Size, Mem: make([]byte, page.Size)}
	}
	tbl := &Table{Extents: []Extent{mk(0x10000), mk(0x20000), mk(0x30000)}}

	v := &VMA{Start: 0x7000_0000, Len: page.Size + page.Size/2, PgOff: 1}
	require.NoError(t, tbl.MapInto(v))

	got := v.Mapped()
	require.Len(t, got, 2)
	require.Equal(t, uint64(0x20000), got[0].Addr)
	require.Equal(t, uint64(0x30000), got[1].Addr)
	require.Equal(t, int64(page.Size/2), got[1].Len)

	err := v.Insert(0x6000_0000, mk(0x1))
	require.Error(t, err)
}
