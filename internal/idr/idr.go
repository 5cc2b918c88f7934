// Package idr provides an integer id index tuned for many concurrent readers
// and rare writers.
//
// Writers serialize on a mutex, copy the current snapshot, modify the copy and
// publish it with a single atomic store. Readers load the published snapshot
// and binary-search it without locking, so a lookup sees either the whole
// insert or removal or none of it.
package idr

import (
	"sort"
	"sync"
	"sync/atomic"
)

type snapshot[T any] struct {
	ids  []int // ascending
	vals []T
}

func (s *snapshot[T]) find(id int) (int, bool) {
	i := sort.SearchInts(s.ids, id)
	return i, i < len(s.ids) && s.ids[i] == id
}

// Index maps ids >= 1 to values. The zero value is ready to use.
type Index[T any] struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot[T]]
}

func (x *Index[T]) load() *snapshot[T] {
	if s := x.snap.Load(); s != nil {
		return s
	}
	return &snapshot[T]{}
}

// Alloc stores v under the lowest unused id and returns that id.
func (x *Index[T]) Alloc(v T) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.load()

	// Lowest free id: the first position where ids[i] != i+1.
	id := sort.Search(len(cur.ids), func(i int) bool { return cur.ids[i] != i+1 }) + 1
	pos := id - 1

	next := &snapshot[T]{
		ids:  make([]int, 0, len(cur.ids)+1),
		vals: make([]T, 0, len(cur.vals)+1),
	}
	next.ids = append(append(append(next.ids, cur.ids[:pos]...), id), cur.ids[pos:]...)
	next.vals = append(append(append(next.vals, cur.vals[:pos]...), v), cur.vals[pos:]...)
	x.snap.Store(next)
	return id
}

// Lookup returns the value stored under id.
func (x *Index[T]) Lookup(id int) (T, bool) {
	s := x.load()
	if i, ok := s.find(id); ok {
		return s.vals[i], true
	}
	var zero T
	return zero, false
}

// Remove deletes id and returns the value it held.
func (x *Index[T]) Remove(id int) (T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var zero T
	cur := x.load()
	i, ok := cur.find(id)
	if !ok {
		return zero, false
	}
	v := cur.vals[i]

	next := &snapshot[T]{
		ids:  make([]int, 0, len(cur.ids)-1),
		vals: make([]T, 0, len(cur.vals)-1),
	}
	next.ids = append(append(next.ids, cur.ids[:i]...), cur.ids[i+1:]...)
	next.vals = append(append(next.vals, cur.vals[:i]...), cur.vals[i+1:]...)
	x.snap.Store(next)
	return v, true
}

// Len returns the number of ids in the current snapshot.
func (x *Index[T]) Len() int { return len(x.load().ids) }

// Range calls fn for every entry of one snapshot in ascending id order until
// fn returns false. Concurrent writes are not observed by an ongoing Range.
func (x *Index[T]) Range(fn func(id int, v T) bool) {
	s := x.load()
	for i, id := range s.ids {
		if !fn(id, s.vals[i]) {
			return
		}
	}
}
