package ion

import "github.com/joshuapare/ionkit/internal/kref"

// Handle is a client's reference to a buffer.
type Handle struct {
	ref    kref.Ref
	client *Client
	buf    *Buffer
	id     int
}

// ID returns the handle id, unique within its client.
func (h *Handle) ID() int { return h.id }

// Buffer returns the referenced buffer.
func (h *Handle) Buffer() *Buffer { return h.buf }

// Client returns the owning client.
func (h *Handle) Client() *Client { return h.client }

// Refs returns the handle's reference count.
func (h *Handle) Refs() int32 { return h.ref.Count() }
