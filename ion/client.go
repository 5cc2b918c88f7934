package ion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/ionkit/internal/idr"
	"github.com/joshuapare/ionkit/internal/logger"
)

// Client is one consumer of the device. Handle lookups are lock free; handle
// creation and removal serialize on the client lock.
type Client struct {
	dev  *Device
	id   int
	name string

	handles idr.Index[*Handle]

	mu       sync.Mutex
	byBuffer map[*Buffer]*Handle

	closed atomic.Bool
}

// ID returns the device-unique client id.
func (c *Client) ID() int { return c.id }

// Name returns the client name.
func (c *Client) Name() string { return c.name }

// Alloc allocates a buffer for c. See Device.Alloc.
func (c *Client) Alloc(req AllocRequest) (*Handle, error) {
	return c.dev.Alloc(c, req)
}

// newHandle wraps b, taking over one buffer reference held by the caller.
// If c was destroyed meanwhile the reference is dropped and ErrClosed
// returned.
func (c *Client) newHandle(b *Buffer) (*Handle, error) {
	h := &Handle{client: c, buf: b}
	h.ref.Init()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		if err := b.Put(); err != nil {
			return nil, errors.Join(ErrClosed, err)
		}
		return nil, ErrClosed
	}
	h.id = c.handles.Alloc(h)
	if _, ok := c.byBuffer[b]; !ok {
		c.byBuffer[b] = h
	}
	c.mu.Unlock()
	return h, nil
}

// HandleGetByID returns the handle with id and takes a reference on it.
// A handle whose count already reached zero is not found.
func (c *Client) HandleGetByID(id int) (*Handle, error) {
	h, ok := c.handles.Lookup(id)
	if !ok || !h.ref.TryGet() {
		return nil, fmt.Errorf("%w: handle %d in client %q", ErrNotFound, id, c.name)
	}
	return h, nil
}

// HandlePut drops n references from h. The last one removes the handle and
// releases its buffer reference.
func (c *Client) HandlePut(h *Handle, n int32) error {
	if h == nil || h.client != c {
		return fmt.Errorf("%w: handle not owned by client %q", ErrInvalidArgument, c.name)
	}
	last, err := h.ref.Put(n)
	if err != nil {
		c.dev.log.Error(logger.MaskFree, "handle reference underflow",
			"client", c.name, "handle", h.id, "put", n)
		return fmt.Errorf("%w: handle %d in client %q", ErrDoubleFree, h.id, c.name)
	}
	if !last {
		return nil
	}
	return c.finalize(h)
}

func (c *Client) finalize(h *Handle) error {
	c.mu.Lock()
	c.handles.Remove(h.id)
	if c.byBuffer[h.buf] == h {
		delete(c.byBuffer, h.buf)
	}
	c.mu.Unlock()
	return h.buf.Put()
}

// Free looks up id and drops both the lookup reference and the reference the
// allocation created.
func (c *Client) Free(id int) error {
	h, err := c.HandleGetByID(id)
	if err != nil {
		return err
	}
	return c.HandlePut(h, 2)
}

// Share returns the buffer behind id with an extra reference for the caller,
// who must Put it. The buffer outlives the handle if the handle is freed.
func (c *Client) Share(id int) (*Buffer, error) {
	h, err := c.HandleGetByID(id)
	if err != nil {
		return nil, err
	}
	b := h.buf
	b.Get()
	if err := c.HandlePut(h, 1); err != nil {
		_ = b.Put()
		return nil, err
	}
	return b, nil
}

// Import returns a handle to b in c. An existing handle for the same buffer
// is reused with its count raised; otherwise a new handle takes its own
// buffer reference. The caller keeps the reference it imported with.
func (c *Client) Import(b *Buffer) (*Handle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	if h, ok := c.byBuffer[b]; ok && h.ref.TryGet() {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	if !b.tryGet() {
		return nil, fmt.Errorf("%w: buffer %d already released", ErrNotFound, b.serial)
	}
	return c.newHandle(b)
}

// Handles returns the number of live handles.
func (c *Client) Handles() int { return c.handles.Len() }

// Bytes returns the total size of the buffers c references.
func (c *Client) Bytes() int64 {
	var n int64
	c.handles.Range(func(_ int, h *Handle) bool {
		n += h.buf.size
		return true
	})
	return n
}

// Destroy force-releases every handle and removes c from the device.
// Later puts on its handles report ErrDoubleFree.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return nil
	}
	var hs []*Handle
	c.handles.Range(func(_ int, h *Handle) bool {
		hs = append(hs, h)
		return true
	})
	c.mu.Unlock()

	var errs []error
	for _, h := range hs {
		if h.ref.Kill() {
			if err := c.finalize(h); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.dev.removeClient(c)
	c.dev.log.Debug(logger.MaskFree, "client destroyed", "client", c.name, "handles", len(hs))
	return errors.Join(errs...)
}
