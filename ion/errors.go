package ion

import (
	"errors"

	"github.com/joshuapare/ionkit/internal/genpool"
	"github.com/joshuapare/ionkit/ion/pagepool"
	"github.com/joshuapare/ionkit/ion/secure"
)

var (
	// ErrNoMatchingHeap indicates that no registered heap matched the request's
	// heap mask and type.
	ErrNoMatchingHeap = errors.New("ion: no heap matches request")

	// ErrAllocationFailed indicates that every matching heap failed. The first
	// backend error is wrapped.
	ErrAllocationFailed = errors.New("ion: allocation failed")

	// ErrHeapBusy indicates a teardown while buffers are still live.
	ErrHeapBusy = errors.New("ion: heap has live buffers")

	// ErrNotFound indicates an unknown or already released id.
	ErrNotFound = errors.New("ion: not found")

	// ErrDoubleFree indicates more releases than references.
	ErrDoubleFree = errors.New("ion: reference released more than once")

	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("ion: invalid argument")

	// ErrClosed indicates use of a destroyed device or client.
	ErrClosed = errors.New("ion: closed")
)

// Errors produced by the leaf packages, re-exported so callers only need to
// import ion.
var (
	ErrPoolEmpty        = pagepool.ErrPoolEmpty
	ErrNoSpace          = genpool.ErrNoSpace
	ErrAssignFailed     = secure.ErrAssignFailed
	ErrInvalidVMIDFlags = secure.ErrInvalidVMIDFlags
	ErrLeaked           = secure.ErrLeaked
)
