package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/secure"
)

// Client is a typed wrapper over an ion.v1.Device connection. Errors wrap
// the ion sentinel matching the status code where one exists.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Allocation describes a buffer returned by Alloc.
type Allocation struct {
	Handle int
	Size   int64
	Heap   string
	Buffer uint64
}

func (c *Client) call(ctx context.Context, name string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, req, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func vmidArg(v secure.VMID) string { return fmt.Sprintf("%#x", uint32(v)) }

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// OpenClient registers a client named name and returns its id.
func (c *Client) OpenClient(ctx context.Context, name string) (int, error) {
	out, err := c.call(ctx, "OpenClient", map[string]any{"name": name})
	if err != nil {
		return 0, err
	}
	return int(num(out, "client")), nil
}

// CloseClient destroys client and everything it still holds.
func (c *Client) CloseClient(ctx context.Context, client int) error {
	_, err := c.call(ctx, "CloseClient", map[string]any{"client": client})
	return err
}

// Alloc allocates on behalf of client. A zero HeapMask selects every heap.
func (c *Client) Alloc(ctx context.Context, client int, req ion.AllocRequest) (Allocation, error) {
	in := map[string]any{
		"client": client,
		"size":   req.Size,
		"align":  req.Align,
		"flags":  uint64(req.Flags),
		"type":   req.Type.String(),
	}
	if req.HeapMask != 0 {
		in["heap_mask"] = req.HeapMask
	}
	out, err := c.call(ctx, "Alloc", in)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{
		Handle: int(num(out, "handle")),
		Size:   num(out, "size"),
		Heap:   out.GetFields()["heap"].GetStringValue(),
		Buffer: uint64(num(out, "buffer")),
	}, nil
}

// Free releases handle.
func (c *Client) Free(ctx context.Context, client, handle int) error {
	_, err := c.call(ctx, "Free", map[string]any{"client": client, "handle": handle})
	return err
}

// Share returns a one-shot token another client can Import.
func (c *Client) Share(ctx context.Context, client, handle int) (int, error) {
	out, err := c.call(ctx, "Share", map[string]any{"client": client, "handle": handle})
	if err != nil {
		return 0, err
	}
	return int(num(out, "token")), nil
}

// Import turns token into a handle in client.
func (c *Client) Import(ctx context.Context, client, token int) (int, error) {
	out, err := c.call(ctx, "Import", map[string]any{"client": client, "token": token})
	if err != nil {
		return 0, err
	}
	return int(num(out, "handle")), nil
}

// Heaps returns per-heap statistics in priority order.
func (c *Client) Heaps(ctx context.Context) ([]ion.HeapStats, error) {
	out, err := c.call(ctx, "Heaps", nil)
	if err != nil {
		return nil, err
	}
	vals := out.GetFields()["heaps"].GetListValue().GetValues()
	stats := make([]ion.HeapStats, 0, len(vals))
	for _, v := range vals {
		stats = append(stats, heapFromStruct(v.GetStructValue()))
	}
	return stats, nil
}

// Dump returns the debug dump of heap.
func (c *Client) Dump(ctx context.Context, heap uint32) (string, error) {
	out, err := c.call(ctx, "Dump", map[string]any{"heap": heap})
	if err != nil {
		return "", err
	}
	return out.GetFields()["text"].GetStringValue(), nil
}

// Reclaim asks the device for target pages (all when target <= 0) and
// returns the pages released and the pages still reclaimable.
func (c *Client) Reclaim(ctx context.Context, p ion.Pressure, target int) (freed, remaining int, err error) {
	out, err := c.call(ctx, "Reclaim", map[string]any{"pressure": p.String(), "target": target})
	if err != nil {
		return 0, 0, err
	}
	return int(num(out, "pages")), int(num(out, "remaining")), nil
}

// Prefetch fills vmid's secure pool on heap with size bytes.
func (c *Client) Prefetch(ctx context.Context, heap uint32, vmid secure.VMID, size int64) error {
	_, err := c.call(ctx, "Prefetch", map[string]any{"heap": heap, "vmid": vmidArg(vmid), "size": size})
	return err
}

// Drain empties up to size bytes (all when size <= 0) of vmid's secure pool
// on heap.
func (c *Client) Drain(ctx context.Context, heap uint32, vmid secure.VMID, size int64) error {
	_, err := c.call(ctx, "Drain", map[string]any{"heap": heap, "vmid": vmidArg(vmid), "size": size})
	return err
}
