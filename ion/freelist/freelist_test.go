package freelist

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	size int64
	name string
}

func (i *item) Size() int64 { return i.size }

type recorder struct {
	mu        sync.Mutex
	destroyed []string
	reclaim   map[string]bool
	fail      map[string]bool
	gate      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{reclaim: map[string]bool{}, fail: map[string]bool{}}
}

func (r *recorder) destroy(it *item, fromReclaimer bool) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, it.name)
	r.reclaim[it.name] = fromReclaimer
	if r.fail[it.name] {
		return errors.New("backend defect")
	}
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroyed...)
}

func TestPush_WorkerDrainsInOrder(t *testing.T) {
	rec := newRecorder()
	l := New(rec.destroy, WithTick(0))
	defer l.Close()

	l.Push(&item{size: 4096, name: "a"})
	l.Push(&item{size: 8192, name: "b"})

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"a", "b"}, rec.names())
	require.Eventually(t, func() bool { return l.Size() == 0 && l.State() == Empty }, time.Second, time.Millisecond)
	require.False(t, rec.reclaim["a"])
}

func TestPush_DoesNotBlockOnSlowDestroy(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	l := New(rec.destroy, WithTick(0))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Push(&item{size: 1, name: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked behind the worker")
	}

	require.Eventually(t, func() bool { return l.State() == Draining }, time.Second, time.Millisecond)
	close(rec.gate)
	l.Close()
	require.Len(t, rec.names(), 10)
	require.Zero(t, l.Size())
}

func TestShrink_SetsReclaimFlagAndRespectsLimit(t *testing.T) {
	rec := newRecorder()
	// High water far away and no tick: the worker never runs on its own.
	l := New(rec.destroy, WithTick(0), WithHighWater(1<<40))
	defer l.Close()

	for _, n := range []string{"a", "b", "c"} {
		l.Push(&item{size: 4096, name: n})
	}
	require.Equal(t, int64(3*4096), l.Size())
	require.Equal(t, Queued, l.State())

	freed := l.Shrink(5000)
	require.Equal(t, int64(8192), freed, "drains whole items until the target is met")
	require.True(t, rec.reclaim["a"])
	require.True(t, rec.reclaim["b"])
	require.Equal(t, 1, l.Len())

	freed = l.Drain(0)
	require.Equal(t, int64(4096), freed)
	require.False(t, rec.reclaim["c"])
	require.Equal(t, Empty, l.State())
}

func TestHighWater_TickWakesWorker(t *testing.T) {
	rec := newRecorder()
	l := New(rec.destroy, WithHighWater(1<<20), WithTick(5*time.Millisecond))
	defer l.Close()

	l.Push(&item{size: 10, name: "small"})
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, time.Millisecond)
}

func TestWorker_SurvivesDestroyErrors(t *testing.T) {
	rec := newRecorder()
	rec.fail["bad"] = true
	l := New(rec.destroy, WithTick(0))
	defer l.Close()

	l.Push(&item{size: 1, name: "bad"})
	l.Push(&item{size: 1, name: "good"})
	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, time.Second, time.Millisecond)

	l.Push(&item{size: 1, name: "after"})
	require.Eventually(t, func() bool { return len(rec.names()) == 3 }, time.Second, time.Millisecond)
}

func TestClose_DrainsAndDestroysLatePushesInline(t *testing.T) {
	rec := newRecorder()
	l := New(rec.destroy, WithTick(0), WithHighWater(1<<40))

	l.Push(&item{size: 1, name: "queued"})
	l.Close()
	require.Equal(t, []string{"queued"}, rec.names())

	l.Push(&item{size: 1, name: "late"})
	require.Equal(t, []string{"queued", "late"}, rec.names())
	l.Close()
}

func TestShrink_ConcurrentReclaimers(t *testing.T) {
	rec := newRecorder()
	l := New(rec.destroy, WithTick(0), WithHighWater(1<<40))
	defer l.Close()

	const n = 100
	for i := 0; i < n; i++ {
		l.Push(&item{size: 1, name: "i"})
	}

	var total atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(l.Shrink(40))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), total.Load())
	assert.Len(t, rec.names(), n)
	assert.Zero(t, l.Size())
}
