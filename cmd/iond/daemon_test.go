package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/heaps"
	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/rpc"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = config.Listen{GRPC: "127.0.0.1:0", HTTP: "127.0.0.1:0"}
	cfg.Heaps = []config.Heap{
		{ID: 1, Name: "system", Type: ion.HeapTypeSystem, Orders: []uint{0}},
		{ID: 8, Name: "carveout", Type: ion.HeapTypeCarveout, Base: 0x8000_0000, Size: 64 * page.Size},
	}
	return cfg
}

// startServe runs serve in the background and waits for its listeners.
func startServe(t *testing.T, cfg *config.Config) (grpcAddr, httpAddr net.Addr, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	readyc := make(chan [2]net.Addr, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- serve(ctx, cfg, logger.Discard(), func(g, h net.Addr) { readyc <- [2]net.Addr{g, h} })
	}()

	select {
	case addrs := <-readyc:
		grpcAddr, httpAddr = addrs[0], addrs[1]
	case err := <-errc:
		cancel()
		t.Fatalf("serve failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not become ready")
	}
	return grpcAddr, httpAddr, func() error {
		cancel()
		return <-errc
	}
}

func dial(t *testing.T, addr net.Addr) *rpc.Client {
	t.Helper()
	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return rpc.NewClient(conn)
}

func TestServe_EndToEnd(t *testing.T) {
	grpcAddr, httpAddr, stop := startServe(t, testConfig())
	require.NotNil(t, grpcAddr)
	require.NotNil(t, httpAddr)
	c := dial(t, grpcAddr)
	ctx := context.Background()

	id, err := c.OpenClient(ctx, "display")
	require.NoError(t, err)
	a, err := c.Alloc(ctx, id, ion.AllocRequest{Size: 2 * page.Size, Type: ion.HeapTypeCarveout})
	require.NoError(t, err)
	assert.Equal(t, "carveout", a.Heap)

	resp, err := http.Get("http://" + httpAddr.String() + "/debug/ion/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	var clients []ion.ClientInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "display", clients[0].Name)
	assert.Equal(t, int64(2*page.Size), clients[0].Bytes)

	// The client is left open; shutdown must still release its buffer.
	require.NoError(t, stop())
}

func TestServe_PeriodicReclaim(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.HTTP = ""
	cfg.Reclaim.Interval = 10 * time.Millisecond
	grpcAddr, httpAddr, stop := startServe(t, cfg)
	assert.Nil(t, httpAddr)
	c := dial(t, grpcAddr)
	ctx := context.Background()

	id, err := c.OpenClient(ctx, "codec")
	require.NoError(t, err)
	a, err := c.Alloc(ctx, id, ion.AllocRequest{Size: 4 * page.Size, Type: ion.HeapTypeSystem})
	require.NoError(t, err)
	require.NoError(t, c.Free(ctx, id, a.Handle))

	assert.Eventually(t, func() bool {
		stats, err := c.Heaps(ctx)
		if err != nil {
			return false
		}
		for _, s := range stats {
			if s.Name == "system" {
				return s.Reclaimable == 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.CloseClient(ctx, id))
	require.NoError(t, stop())
}

func TestServe_BadHeap(t *testing.T) {
	cfg := testConfig()
	cfg.Heaps = append(cfg.Heaps, config.Heap{ID: 9, Name: "broken", Type: ion.HeapTypeChunk, Size: 4 * page.Size, ChunkSize: 3000})
	err := serve(context.Background(), cfg, logger.Discard(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

// closeTracker records Close on a heap that is otherwise passed through.
type closeTracker struct {
	ion.Heap
	closed *bool
}

func (h closeTracker) Close() error {
	*h.closed = true
	if c, ok := h.Heap.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func TestServe_RejectedHeapIsClosed(t *testing.T) {
	closed := false
	orig := newHeap
	newHeap = func(d ion.Desc, env heaps.Env) (ion.Heap, error) {
		h, err := orig(d, env)
		if err != nil || d.Name != "carveout" {
			return h, err
		}
		return closeTracker{Heap: h, closed: &closed}, nil
	}
	t.Cleanup(func() { newHeap = orig })

	cfg := testConfig()
	cfg.Heaps[1].ID = ion.MaxHeapID + 1
	err := serve(context.Background(), cfg, logger.Discard(), nil)
	require.ErrorIs(t, err, ion.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "carveout")
	assert.True(t, closed)
}

func TestServe_ListenConflict(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := testConfig()
	cfg.Listen.HTTP = lis.Addr().String()
	err = serve(context.Background(), cfg, logger.Discard(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http listen")
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  grpc: 127.0.0.1:9000
  http: 127.0.0.1:9001
heaps:
  - id: 2
    name: sys
    type: system
`), 0o644))

	configPath = path
	t.Cleanup(func() { configPath = "" })
	require.NoError(t, rootCmd.ParseFlags([]string{"--http", "", "--log-level", "debug"}))

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.GRPC)
	assert.Empty(t, cfg.Listen.HTTP)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Heaps, 1)
	assert.Equal(t, "sys", cfg.Heaps[0].Name)
}
