package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderHelpers(t *testing.T) {
	assert.Equal(t, int64(4096), OrderSize(0))
	assert.Equal(t, int64(64*1024), OrderSize(4))

	assert.Equal(t, uint(0), OrderFor(1))
	assert.Equal(t, uint(0), OrderFor(4096))
	assert.Equal(t, uint(1), OrderFor(4097))
	assert.Equal(t, uint(4), OrderFor(64*1024))

	assert.Equal(t, int64(8192), Align(4097))
	assert.Equal(t, int64(0), Align(0))
}

func TestSystem_AllocFreeAccounting(t *testing.T) {
	s := NewSystem()

	p, err := s.AllocPages(GFPHighMem, 2)
	require.NoError(t, err)
	require.True(t, p.HighMem)
	require.Len(t, p.Bytes(), 4*Size)
	require.NotZero(t, p.Addr)
	require.Equal(t, int64(4), s.Stats().InUse)

	// Fresh memory is zeroed and writable.
	require.Equal(t, byte(0), p.Bytes()[100])
	p.Bytes()[100] = 0xAB

	q, err := s.AllocPages(0, 0)
	require.NoError(t, err)
	require.False(t, q.HighMem)

	s.FreePages(p)
	s.FreePages(q)
	st := s.Stats()
	assert.Equal(t, int64(5), st.Allocated)
	assert.Equal(t, int64(5), st.Freed)
	assert.Equal(t, int64(0), st.InUse)

	// Freeing twice is harmless.
	s.FreePages(p)
	assert.Equal(t, int64(5), s.Stats().Freed)
}

func TestSystem_Limit(t *testing.T) {
	s := NewSystem(WithLimit(3))

	a, err := s.AllocPages(0, 1)
	require.NoError(t, err)
	_, err = s.AllocPages(0, 1)
	require.ErrorIs(t, err, ErrNoMemory)
	require.Equal(t, int64(2), s.Stats().InUse)

	b, err := s.AllocPages(0, 0)
	require.NoError(t, err)
	s.FreePages(a)
	s.FreePages(b)
}

func TestPage_AttrAndZero(t *testing.T) {
	p := New(0x1000, 0, false, make([]byte, Size))
	assert.Equal(t, AttrWriteBack, p.Attr())
	p.SetAttr(AttrWriteCombine)
	assert.Equal(t, "wc", p.Attr().String())

	p.Bytes()[7] = 1
	p.Zero()
	assert.Equal(t, byte(0), p.Bytes()[7])
	assert.Equal(t, int64(Size), p.Len())
}

func TestReserveAndSync(t *testing.T) {
	mem, release, err := Reserve(3 * Size)
	require.NoError(t, err)
	require.Len(t, mem, 3*Size)

	mem[0] = 1
	for _, dir := range []Direction{DirBidirectional, DirToDevice, DirFromDevice} {
		require.NoError(t, Sync(mem[:Size], dir), dir.String())
	}

	require.NoError(t, release())
	require.NoError(t, release())

	_, _, err = Reserve(0)
	require.Error(t, err)
}
