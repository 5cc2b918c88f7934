// Package kref implements the reference counter shared by buffers and handles.
//
// The counter never wraps: a put that would take it below zero poisons it and
// reports ErrUnderflow, and every later operation on a poisoned counter fails.
// A counter at zero can only be revived by Init, so a lookup racing with the
// final put either takes a reference first or observes zero and fails.
package kref

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrUnderflow is returned when a put would release more references than held.
var ErrUnderflow = errors.New("kref: reference count underflow")

const poisoned = math.MinInt32

// Ref is an atomic reference counter. The zero value holds no references.
type Ref struct {
	n atomic.Int32
}

// Init sets the count to one.
func (r *Ref) Init() { r.n.Store(1) }

// Get takes a reference. The caller must already hold one.
func (r *Ref) Get() {
	r.n.Add(1)
}

// TryGet takes a reference unless the count is zero or poisoned.
func (r *Ref) TryGet() bool {
	for {
		cur := r.n.Load()
		if cur <= 0 {
			return false
		}
		if r.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Put drops n references and reports whether the count reached zero.
// Exactly one caller observes the transition to zero.
func (r *Ref) Put(n int32) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	for {
		cur := r.n.Load()
		if cur <= 0 || cur < n {
			r.n.Store(poisoned)
			return false, ErrUnderflow
		}
		if r.n.CompareAndSwap(cur, cur-n) {
			return cur == n, nil
		}
	}
}

// Kill drops every remaining reference at once and reports whether this call
// made the transition to zero.
func (r *Ref) Kill() bool {
	for {
		cur := r.n.Load()
		if cur <= 0 {
			return false
		}
		if r.n.CompareAndSwap(cur, 0) {
			return true
		}
	}
}

// Count returns the current count. Poisoned counters report -1.
func (r *Ref) Count() int32 {
	n := r.n.Load()
	if n < 0 {
		return -1
	}
	return n
}

// Poisoned reports whether an underflow was detected.
func (r *Ref) Poisoned() bool { return r.n.Load() < 0 }
