package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshuapare/ionkit/internal/idr"
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/heaps"
	"github.com/joshuapare/ionkit/ion/secure"
)

// Server implements DeviceServer on top of an ion.Device.
//
// Share hands out a token standing for one buffer reference. Import consumes
// the token; tokens never imported are released when the sharing client is
// closed.
type Server struct {
	dev    *ion.Device
	log    *logger.Sink
	shares idr.Index[*share]
}

type share struct {
	buf   *ion.Buffer
	owner int
}

var _ DeviceServer = (*Server)(nil)

// NewServer returns a server for dev. It logs through dev's sink.
func NewServer(dev *ion.Device) *Server {
	return &Server{dev: dev, log: dev.Logger()}
}

func (s *Server) client(in *structpb.Struct) (*ion.Client, error) {
	id, err := intField(in, "client")
	if err != nil {
		return nil, err
	}
	return s.dev.Client(int(id))
}

// OpenClient implements DeviceServer.
func (s *Server) OpenClient(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := strField(in, "name")
	if name == "" {
		return nil, fmt.Errorf("%w: client name required", ion.ErrInvalidArgument)
	}
	c := s.dev.NewClient(name)
	s.log.Info(logger.MaskRPC, "client opened", "client", name, "id", c.ID())
	return structpb.NewStruct(map[string]any{"client": c.ID()})
}

// CloseClient implements DeviceServer.
func (s *Server) CloseClient(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.client(in)
	if err != nil {
		return nil, err
	}
	var errs []error
	var stale []int
	s.shares.Range(func(token int, sh *share) bool {
		if sh.owner == c.ID() {
			stale = append(stale, token)
		}
		return true
	})
	for _, token := range stale {
		if sh, ok := s.shares.Remove(token); ok {
			errs = append(errs, sh.buf.Put())
		}
	}
	errs = append(errs, c.Destroy())
	s.log.Info(logger.MaskRPC, "client closed", "client", c.Name(), "id", c.ID(), "shares", len(stale))
	return &structpb.Struct{}, errors.Join(errs...)
}

// Close releases every outstanding share token and destroys the clients
// still open on the device. The daemon calls it after the gRPC server has
// stopped so Device.Destroy finds no live buffers.
func (s *Server) Close() error {
	var errs []error
	var tokens []int
	s.shares.Range(func(token int, _ *share) bool {
		tokens = append(tokens, token)
		return true
	})
	for _, token := range tokens {
		if sh, ok := s.shares.Remove(token); ok {
			errs = append(errs, sh.buf.Put())
		}
	}
	for _, info := range s.dev.Clients() {
		if c, err := s.dev.Client(info.ID); err == nil {
			errs = append(errs, c.Destroy())
		}
	}
	return errors.Join(errs...)
}

// Alloc implements DeviceServer.
func (s *Server) Alloc(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.client(in)
	if err != nil {
		return nil, err
	}
	req := ion.AllocRequest{HeapMask: math.MaxUint32}
	if req.Size, err = intField(in, "size"); err != nil {
		return nil, err
	}
	req.Align, _ = optIntField(in, "align")
	if m, ok := optIntField(in, "heap_mask"); ok {
		req.HeapMask = uint32(m)
	}
	if f, ok := optIntField(in, "flags"); ok {
		req.Flags = ion.Flags(f)
	}
	if t := strField(in, "type"); t != "" {
		if req.Type, err = ion.ParseHeapType(t); err != nil {
			return nil, err
		}
	}

	h, err := c.Alloc(req)
	if err != nil {
		return nil, err
	}
	b := h.Buffer()
	return structpb.NewStruct(map[string]any{
		"handle": h.ID(),
		"size":   b.Size(),
		"heap":   b.Heap().Name(),
		"buffer": b.Serial(),
	})
}

// Free implements DeviceServer.
func (s *Server) Free(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.client(in)
	if err != nil {
		return nil, err
	}
	id, err := intField(in, "handle")
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, c.Free(int(id))
}

// Share implements DeviceServer.
func (s *Server) Share(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.client(in)
	if err != nil {
		return nil, err
	}
	id, err := intField(in, "handle")
	if err != nil {
		return nil, err
	}
	b, err := c.Share(int(id))
	if err != nil {
		return nil, err
	}
	token := s.shares.Alloc(&share{buf: b, owner: c.ID()})
	return structpb.NewStruct(map[string]any{"token": token, "size": b.Size()})
}

// Import implements DeviceServer.
func (s *Server) Import(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.client(in)
	if err != nil {
		return nil, err
	}
	token, err := intField(in, "token")
	if err != nil {
		return nil, err
	}
	sh, ok := s.shares.Remove(int(token))
	if !ok {
		return nil, fmt.Errorf("%w: share token %d", ion.ErrNotFound, token)
	}
	h, err := c.Import(sh.buf)
	// The token's reference goes away whether or not the import worked.
	if perr := sh.buf.Put(); err == nil {
		err = perr
	}
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"handle": h.ID()})
}

// Heaps implements DeviceServer.
func (s *Server) Heaps(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	stats := s.dev.Heaps()
	list := make([]any, 0, len(stats))
	for _, st := range stats {
		list = append(list, heapToMap(st))
	}
	return structpb.NewStruct(map[string]any{"heaps": list})
}

// Dump implements DeviceServer.
func (s *Server) Dump(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := intField(in, "heap")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.dev.DebugDump(&buf, uint32(id)); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"text": buf.String()})
}

// Reclaim implements DeviceServer.
func (s *Server) Reclaim(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := ion.ParsePressure(strField(in, "pressure"))
	if err != nil {
		return nil, err
	}
	target, _ := optIntField(in, "target")
	n := s.dev.Reclaim(p, int(target))
	return structpb.NewStruct(map[string]any{"pages": n, "remaining": s.dev.ReclaimCount(p)})
}

// Prefetch implements DeviceServer.
func (s *Server) Prefetch(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, s.securePool(in, heaps.Prefetcher.Prefetch)
}

// Drain implements DeviceServer.
func (s *Server) Drain(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, s.securePool(in, heaps.Prefetcher.Drain)
}

func (s *Server) securePool(in *structpb.Struct, op func(heaps.Prefetcher, secure.VMID, int64) error) error {
	id, err := intField(in, "heap")
	if err != nil {
		return err
	}
	vmid, err := secure.ParseVMID(strField(in, "vmid"))
	if err != nil {
		return err
	}
	size, _ := optIntField(in, "size")
	return s.dev.WalkHeaps(uint32(id), ion.HeapTypeAny, func(h ion.Heap) error {
		p, ok := h.(heaps.Prefetcher)
		if !ok {
			return fmt.Errorf("%w: heap %q keeps no secure pools", ion.ErrInvalidArgument, h.Name())
		}
		return op(p, vmid, size)
	})
}

func heapToMap(st ion.HeapStats) map[string]any {
	return map[string]any{
		"id":                st.ID,
		"name":              st.Name,
		"type":              st.Type.String(),
		"buffers":           st.Buffers,
		"bytes":             st.Bytes,
		"alloc_failures":    st.AllocFailures,
		"deferred":          st.Deferred,
		"freelist_bytes":    st.FreeListBytes,
		"freelist_len":      st.FreeListLen,
		"freelist_state":    st.FreeListState,
		"reclaimable_pages": st.Reclaimable,
	}
}

func heapFromStruct(s *structpb.Struct) ion.HeapStats {
	f := s.GetFields()
	n := func(k string) int64 { return int64(f[k].GetNumberValue()) }
	t, _ := ion.ParseHeapType(f["type"].GetStringValue())
	return ion.HeapStats{
		ID:            uint32(n("id")),
		Name:          f["name"].GetStringValue(),
		Type:          t,
		Buffers:       n("buffers"),
		Bytes:         n("bytes"),
		AllocFailures: n("alloc_failures"),
		Deferred:      f["deferred"].GetBoolValue(),
		FreeListBytes: n("freelist_bytes"),
		FreeListLen:   int(n("freelist_len")),
		FreeListState: f["freelist_state"].GetStringValue(),
		Reclaimable:   int(n("reclaimable_pages")),
	}
}

func optIntField(in *structpb.Struct, key string) (int64, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, false
	}
	return int64(v.GetNumberValue()), true
}

func intField(in *structpb.Struct, key string) (int64, error) {
	v, ok := optIntField(in, key)
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ion.ErrInvalidArgument, key)
	}
	return v, nil
}

func strField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}
