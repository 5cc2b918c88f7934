package secure

import (
	"errors"
	"fmt"

	"github.com/joshuapare/ionkit/ion/sg"
)

var (
	// ErrAssignFailed is returned when a domain transfer could not complete.
	ErrAssignFailed = errors.New("secure: domain assignment failed")

	// ErrLeaked is wrapped into an assignment error when memory could not be
	// returned to a consistent state. The memory must never be reused.
	ErrLeaked = errors.New("secure: memory leaked in secure domain")
)

// Perm is an access permission granted to a domain.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRWX = PermRead | PermWrite | PermExec
)

// Hypervisor changes the owning domains of a physical range.
type Hypervisor interface {
	// Transfer moves [addr, addr+size) from the domains in from to the
	// domains in to, granting perms[i] to to[i]. It either fully succeeds or
	// leaves the range untouched.
	Transfer(addr uint64, size int64, from, to []VMID, perms []Perm) error
}

var hlos = []VMID{VMIDHLOS}

func permsFor(dests []VMID) []Perm {
	perms := make([]Perm, len(dests))
	for i, d := range dests {
		if d == VMIDHLOS {
			perms[i] = PermRWX
		} else {
			perms[i] = PermRW
		}
	}
	return perms
}

// Assign hands every extent of t from the non-secure domain to dest.
func Assign(h Hypervisor, t *sg.Table, dest VMID) error {
	return AssignMulti(h, t, []VMID{dest})
}

// AssignMulti hands every extent of t to all of dests at once. On failure the
// already moved extents are returned to the non-secure domain. If that
// rollback fails too, they stay where they are and the error wraps ErrLeaked.
func AssignMulti(h Hypervisor, t *sg.Table, dests []VMID) error {
	if len(dests) == 0 {
		return fmt.Errorf("%w: no destination", ErrInvalidVMIDFlags)
	}
	return move(h, t, hlos, dests)
}

// Unassign returns every extent of t from source to the non-secure domain.
// Any error wraps ErrLeaked: the caller must not recycle the memory.
func Unassign(h Hypervisor, t *sg.Table, source VMID) error {
	return UnassignMulti(h, t, []VMID{source})
}

// UnassignMulti is Unassign for memory shared with several domains.
func UnassignMulti(h Hypervisor, t *sg.Table, sources []VMID) error {
	if err := move(h, t, sources, hlos); err != nil {
		if errors.Is(err, ErrLeaked) {
			return err
		}
		return fmt.Errorf("%w: %w", err, ErrLeaked)
	}
	return nil
}

func move(h Hypervisor, t *sg.Table, from, to []VMID) error {
	if t == nil {
		return nil
	}
	perms := permsFor(to)
	for i, e := range t.Extents {
		err := h.Transfer(e.Addr, e.Len, from, to, perms)
		if err == nil {
			continue
		}
		failed := fmt.Errorf("%w: extent %d at %#x (%v -> %v): %w", ErrAssignFailed, i, e.Addr, from, to, err)
		if rerr := undo(h, t.Extents[:i], to, from); rerr != nil {
			return fmt.Errorf("%w; rollback: %w: %w", failed, ErrLeaked, rerr)
		}
		return failed
	}
	return nil
}

// undo moves extents back from cur to prev, newest first, and stops at the
// first failure so nothing past it is touched.
func undo(h Hypervisor, extents []sg.Extent, cur, prev []VMID) error {
	perms := permsFor(prev)
	for i := len(extents) - 1; i >= 0; i-- {
		e := extents[i]
		if err := h.Transfer(e.Addr, e.Len, cur, prev, perms); err != nil {
			return fmt.Errorf("extent %d at %#x: %w", i, e.Addr, err)
		}
	}
	return nil
}
