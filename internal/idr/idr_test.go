package idr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_AllocLowestFree(t *testing.T) {
	var x Index[string]
	require.Equal(t, 1, x.Alloc("a"))
	require.Equal(t, 2, x.Alloc("b"))
	require.Equal(t, 3, x.Alloc("c"))

	v, ok := x.Remove(2)
	require.True(t, ok)
	require.Equal(t, "b", v)

	require.Equal(t, 2, x.Alloc("d"), "freed id is reused first")
	require.Equal(t, 4, x.Alloc("e"))
	require.Equal(t, 4, x.Len())
}

func TestIndex_LookupMissing(t *testing.T) {
	var x Index[int]
	_, ok := x.Lookup(1)
	require.False(t, ok)

	id := x.Alloc(42)
	v, ok := x.Lookup(id)
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = x.Remove(99)
	require.False(t, ok)
}

func TestIndex_RangeSnapshot(t *testing.T) {
	var x Index[int]
	for i := 0; i < 5; i++ {
		x.Alloc(i * 10)
	}

	var ids []int
	x.Range(func(id, v int) bool {
		ids = append(ids, id)
		if id == 1 {
			// Writes during Range must not disturb the snapshot being walked.
			x.Remove(3)
		}
		return true
	})
	require.Equal(t, []int{1, 2, 3, 4, 5}, ids)
	require.Equal(t, 4, x.Len())

	count := 0
	x.Range(func(int, int) bool { count++; return count < 2 })
	require.Equal(t, 2, count)
}

func TestIndex_ConcurrentReadersOneWriter(t *testing.T) {
	var x Index[*int]
	vals := make([]int, 256)
	for i := range vals {
		x.Alloc(&vals[i])
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for id := 1; id <= len(vals); id++ {
					if v, ok := x.Lookup(id); ok {
						assert.NotNil(t, v)
					}
				}
			}
		}()
	}

	for id := 1; id <= len(vals); id += 2 {
		_, ok := x.Remove(id)
		require.True(t, ok)
	}
	close(stop)
	wg.Wait()
	require.Equal(t, len(vals)/2, x.Len())
}
