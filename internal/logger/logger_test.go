package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferSink(mask Mask) (*Sink, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, mask), &buf
}

func TestSink_MaskFilters(t *testing.T) {
	s, buf := newBufferSink(MaskAlloc | MaskAssign)

	s.Info(MaskPool, "pool event")
	assert.Empty(t, buf.String())

	s.Warn(MaskAssign, "rollback", "extents", 3)
	out := buf.String()
	assert.Contains(t, out, "rollback")
	assert.Contains(t, out, "extents=3")
	assert.Contains(t, out, "mask=assign")
}

func TestSink_SetMask(t *testing.T) {
	s, buf := newBufferSink(MaskNone)
	s.Error(MaskFree, "dropped")
	require.Empty(t, buf.String())

	s.SetMask(MaskFree)
	s.Error(MaskFree, "kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSink_NilAndDiscard(t *testing.T) {
	var s *Sink
	require.False(t, s.Enabled(slog.LevelError, MaskAll))
	s.Error(MaskAll, "no panic")

	d := Discard()
	require.False(t, d.Enabled(slog.LevelError, MaskAll))
}

func TestParseMask(t *testing.T) {
	tests := []struct {
		in   string
		want Mask
	}{
		{"alloc", MaskAlloc},
		{"alloc, pool", MaskAlloc | MaskPool},
		{"ALL", MaskAll},
		{"bogus", MaskNone},
		{"", MaskNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMask(tt.in), tt.in)
	}
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "alloc|reclaim", (MaskAlloc | MaskReclaim).String())
	assert.Equal(t, "none", MaskNone.String())
	assert.Equal(t, "all", MaskAll.String())
}

func TestInit_FileAndRetention(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -(retentionDays+5)).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	s, closeFn, err := Init(Options{LogDir: dir, Level: slog.LevelInfo, JSON: true})
	require.NoError(t, err)
	s.Info(MaskAlloc, "hello")
	require.NoError(t, closeFn())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale log should be removed")

	today := filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	data, err := os.ReadFile(today)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
