package secure

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrOwnership is returned by Table.Transfer when the caller's view of the
// current owners is wrong.
var ErrOwnership = errors.New("secure: range not owned by source domains")

type owner struct {
	size  int64
	vmids []VMID
	perms []Perm
}

// Table is an in-memory Hypervisor. It tracks which domains own each range
// and can be told to fail transfers. Ranges it has never seen belong to
// VMIDHLOS.
type Table struct {
	mu     sync.Mutex
	owners map[uint64]owner
	calls  int
	fault  func(addr uint64, from, to []VMID) error
}

// NewTable returns an empty ownership table.
func NewTable() *Table {
	return &Table{owners: make(map[uint64]owner)}
}

// Transfer implements Hypervisor.
func (t *Table) Transfer(addr uint64, size int64, from, to []VMID, perms []Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.fault != nil {
		if err := t.fault(addr, from, to); err != nil {
			return err
		}
	}
	if len(perms) != len(to) {
		return fmt.Errorf("secure: %d perms for %d destinations", len(perms), len(to))
	}

	cur := hlos
	if o, ok := t.owners[addr]; ok {
		cur = o.vmids
	}
	if !sameSet(cur, from) {
		return fmt.Errorf("%w: %#x owned by %v, not %v", ErrOwnership, addr, cur, from)
	}

	if sameSet(to, hlos) {
		delete(t.owners, addr)
		return nil
	}
	t.owners[addr] = owner{size: size, vmids: slices.Clone(to), perms: slices.Clone(perms)}
	return nil
}

// SetFault installs fn to run before every transfer. A non-nil error from fn
// fails that transfer without changing ownership. nil removes the fault.
func (t *Table) SetFault(fn func(addr uint64, from, to []VMID) error) {
	t.mu.Lock()
	t.fault = fn
	t.mu.Unlock()
}

// FailAfter lets n more transfers succeed and fails every one after that with
// err until the fault is cleared.
func (t *Table) FailAfter(n int, err error) {
	left := n
	t.SetFault(func(uint64, []VMID, []VMID) error {
		if left > 0 {
			left--
			return nil
		}
		return err
	})
}

// Owners returns the domains currently owning the range starting at addr.
func (t *Table) Owners(addr uint64) []VMID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.owners[addr]; ok {
		return slices.Clone(o.vmids)
	}
	return slices.Clone(hlos)
}

// SecureBytes returns the bytes currently owned (possibly shared) by vmid.
func (t *Table) SecureBytes(vmid VMID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, o := range t.owners {
		if slices.Contains(o.vmids, vmid) {
			n += o.size
		}
	}
	return n
}

// Assigned returns the number of ranges outside the non-secure domain.
func (t *Table) Assigned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}

// Calls returns the number of Transfer calls made so far.
func (t *Table) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func sameSet(a, b []VMID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !slices.Contains(b, v) {
			return false
		}
	}
	return true
}
