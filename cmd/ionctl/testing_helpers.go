package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"

	"google.golang.org/grpc"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/heaps"
	"github.com/joshuapare/ionkit/ion/rpc"
)

// startDaemon serves a device with a system heap (id 1) and a secure system
// heap (id 6) on a loopback port and points --addr at it.
func startDaemon(t *testing.T) *ion.Device {
	t.Helper()
	dev := ion.NewDevice()
	for _, d := range []ion.Desc{
		{ID: 1, Type: ion.HeapTypeSystem, Name: "system", Orders: []uint{0}},
		{ID: 6, Type: ion.HeapTypeSecureSystem, Name: "secure", Orders: []uint{0}},
	} {
		h, err := heaps.New(d, heaps.Env{})
		if err != nil {
			t.Fatalf("heap %s: %v", d.Name, err)
		}
		if err := dev.AddHeap(h); err != nil {
			t.Fatalf("add heap %s: %v", d.Name, err)
		}
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(rpc.LogInterceptor(logger.Discard())))
	rpc.RegisterDeviceServer(srv, rpc.NewServer(dev))
	go func() { _ = srv.Serve(lis) }()

	addr = lis.Addr().String()
	t.Cleanup(func() {
		srv.Stop()
		_ = dev.Destroy()
	})
	return dev
}

// resetFlags restores global flags between test cases.
func resetFlags() {
	quiet = false
	verbose = false
	jsonOut = false
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
