package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/heaps"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/secure"
)

const (
	systemID = 1
	secureID = 6
)

func setup(t *testing.T) (*ion.Device, *Client) {
	t.Helper()
	dev := ion.NewDevice()
	for _, d := range []ion.Desc{
		{ID: systemID, Type: ion.HeapTypeSystem, Name: "system", Orders: []uint{0}},
		{ID: secureID, Type: ion.HeapTypeSecureSystem, Name: "secure", Orders: []uint{0}},
	} {
		h, err := heaps.New(d, heaps.Env{})
		require.NoError(t, err)
		require.NoError(t, dev.AddHeap(h))
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LogInterceptor(logger.Discard())))
	RegisterDeviceServer(srv, NewServer(dev))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = dev.Destroy()
	})
	return dev, NewClient(conn)
}

func TestAllocFree(t *testing.T) {
	dev, c := setup(t)
	ctx := context.Background()

	id, err := c.OpenClient(ctx, "camera")
	require.NoError(t, err)

	a, err := c.Alloc(ctx, id, ion.AllocRequest{Size: 3 * page.Size, HeapMask: 1 << systemID})
	require.NoError(t, err)
	assert.Equal(t, "system", a.Heap)
	assert.Equal(t, int64(3*page.Size), a.Size)
	assert.NotZero(t, a.Buffer)

	stats, err := c.Heaps(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "secure", stats[0].Name, "higher id first")
	assert.Equal(t, ion.HeapTypeSystem, stats[1].Type)
	assert.Equal(t, int64(1), stats[1].Buffers)
	assert.Equal(t, int64(3*page.Size), stats[1].Bytes)

	text, err := c.Dump(ctx, systemID)
	require.NoError(t, err)
	assert.Contains(t, text, "camera")

	require.NoError(t, c.Free(ctx, id, a.Handle))
	err = c.Free(ctx, id, a.Handle)
	require.ErrorIs(t, err, ion.ErrNotFound)

	hs, err := dev.HeapStats(systemID)
	require.NoError(t, err)
	assert.Zero(t, hs.Buffers)
}

func TestAllocErrors(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	_, err := c.Alloc(ctx, 99, ion.AllocRequest{Size: page.Size})
	require.ErrorIs(t, err, ion.ErrNotFound)

	id, err := c.OpenClient(ctx, "video")
	require.NoError(t, err)

	_, err = c.Alloc(ctx, id, ion.AllocRequest{Size: page.Size, HeapMask: 1 << 20})
	require.ErrorIs(t, err, ion.ErrNotFound, "no matching heap")

	_, err = c.Alloc(ctx, id, ion.AllocRequest{Size: 0})
	require.ErrorIs(t, err, ion.ErrInvalidArgument)

	_, err = c.OpenClient(ctx, "")
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
}

func TestShareImport(t *testing.T) {
	dev, c := setup(t)
	ctx := context.Background()

	a, err := c.OpenClient(ctx, "producer")
	require.NoError(t, err)
	b, err := c.OpenClient(ctx, "consumer")
	require.NoError(t, err)

	alloc, err := c.Alloc(ctx, a, ion.AllocRequest{Size: page.Size, HeapMask: 1 << systemID})
	require.NoError(t, err)
	token, err := c.Share(ctx, a, alloc.Handle)
	require.NoError(t, err)

	h, err := c.Import(ctx, b, token)
	require.NoError(t, err)
	_, err = c.Import(ctx, b, token)
	require.ErrorIs(t, err, ion.ErrNotFound, "tokens are one-shot")

	// The buffer survives the producer going away.
	require.NoError(t, c.CloseClient(ctx, a))
	hs, err := dev.HeapStats(systemID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hs.Buffers)

	require.NoError(t, c.Free(ctx, b, h))
	hs, err = dev.HeapStats(systemID)
	require.NoError(t, err)
	assert.Zero(t, hs.Buffers)
}

func TestCloseClientReleasesTokens(t *testing.T) {
	dev, c := setup(t)
	ctx := context.Background()

	a, err := c.OpenClient(ctx, "producer")
	require.NoError(t, err)
	alloc, err := c.Alloc(ctx, a, ion.AllocRequest{Size: page.Size, HeapMask: 1 << systemID})
	require.NoError(t, err)
	token, err := c.Share(ctx, a, alloc.Handle)
	require.NoError(t, err)

	require.NoError(t, c.CloseClient(ctx, a))
	hs, err := dev.HeapStats(systemID)
	require.NoError(t, err)
	assert.Zero(t, hs.Buffers)

	b, err := c.OpenClient(ctx, "late")
	require.NoError(t, err)
	_, err = c.Import(ctx, b, token)
	require.ErrorIs(t, err, ion.ErrNotFound)
}

func TestServerClose(t *testing.T) {
	dev := ion.NewDevice()
	h, err := heaps.New(ion.Desc{ID: systemID, Type: ion.HeapTypeSystem, Name: "system", Orders: []uint{0}}, heaps.Env{})
	require.NoError(t, err)
	require.NoError(t, dev.AddHeap(h))
	srv := NewServer(dev)
	ctx := context.Background()

	open, err := srv.OpenClient(ctx, mustStruct(t, map[string]any{"name": "leaky"}))
	require.NoError(t, err)
	id := open.Fields["client"].GetNumberValue()
	alloc, err := srv.Alloc(ctx, mustStruct(t, map[string]any{"client": id, "size": 2 * page.Size}))
	require.NoError(t, err)
	_, err = srv.Share(ctx, mustStruct(t, map[string]any{"client": id, "handle": alloc.Fields["handle"].GetNumberValue()}))
	require.NoError(t, err)

	require.ErrorIs(t, dev.Destroy(), ion.ErrHeapBusy)
	require.NoError(t, srv.Close())
	assert.Empty(t, dev.Clients())
	require.NoError(t, dev.Destroy())
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestReclaim(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	id, err := c.OpenClient(ctx, "gpu")
	require.NoError(t, err)
	a, err := c.Alloc(ctx, id, ion.AllocRequest{Size: 4 * page.Size, HeapMask: 1 << systemID})
	require.NoError(t, err)
	require.NoError(t, c.Free(ctx, id, a.Handle))

	freed, remaining, err := c.Reclaim(ctx, ion.PressureHighMem, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, freed)
	assert.Zero(t, remaining)
}

func TestPrefetchDrain(t *testing.T) {
	dev, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Prefetch(ctx, secureID, secure.VMIDCPPixel, 2*page.Size))
	err := dev.WalkHeaps(secureID, ion.HeapTypeSecureSystem, func(h ion.Heap) error {
		assert.Equal(t, 2, h.(heaps.Prefetcher).SecurePoolTotal(secure.VMIDCPPixel))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Drain(ctx, secureID, secure.VMIDCPPixel, 0))
	err = dev.WalkHeaps(secureID, ion.HeapTypeSecureSystem, func(h ion.Heap) error {
		assert.Zero(t, h.(heaps.Prefetcher).SecurePoolTotal(secure.VMIDCPPixel))
		return nil
	})
	require.NoError(t, err)

	err = c.Prefetch(ctx, systemID, secure.VMIDCPPixel, page.Size)
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
	err = c.Prefetch(ctx, secureID, secure.VMIDHLOS, page.Size)
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: %w", ion.ErrAllocationFailed, ion.ErrNoSpace), codes.ResourceExhausted},
		{fmt.Errorf("%w: %w", ion.ErrAllocationFailed, ion.ErrAssignFailed), codes.Aborted},
		{fmt.Errorf("free: %w", ion.ErrLeaked), codes.DataLoss},
		{ion.ErrDoubleFree, codes.FailedPrecondition},
		{ion.ErrHeapBusy, codes.FailedPrecondition},
		{ion.ErrClosed, codes.Unavailable},
		{ion.ErrInvalidVMIDFlags, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Unauthenticated, "x"), codes.Unauthenticated},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(Status(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, Status(nil))

	err := fromStatus(status.Error(codes.DataLoss, "gone"))
	assert.ErrorIs(t, err, ion.ErrLeaked)
	err = fromStatus(status.Error(codes.FailedPrecondition, "twice"))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
