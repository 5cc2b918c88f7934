// Package logger provides the diagnostic sink used across ionkit.
//
// Every event goes through a single call, Sink.Log(level, mask, msg, args...).
// The mask names the subsystem that emitted the event so operators can silence
// noisy subsystems (page pools under churn, for example) without lowering the
// level for everything else.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Mask selects a subsystem.
type Mask uint32

const (
	MaskAlloc Mask = 1 << iota
	MaskFree
	MaskPool
	MaskAssign
	MaskReclaim
	MaskRPC

	MaskNone Mask = 0
	MaskAll  Mask = ^Mask(0)
)

var maskNames = map[string]Mask{
	"alloc":   MaskAlloc,
	"free":    MaskFree,
	"pool":    MaskPool,
	"assign":  MaskAssign,
	"reclaim": MaskReclaim,
	"rpc":     MaskRPC,
	"all":     MaskAll,
}

// String returns the subsystem names set in m, joined by '|'.
func (m Mask) String() string {
	if m == MaskAll {
		return "all"
	}
	var parts []string
	for _, name := range []string{"alloc", "free", "pool", "assign", "reclaim", "rpc"} {
		if m&maskNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseMask parses a comma separated subsystem list ("alloc,pool" or "all").
// Unknown names are ignored.
func ParseMask(s string) Mask {
	var m Mask
	for _, part := range strings.Split(s, ",") {
		m |= maskNames[strings.ToLower(strings.TrimSpace(part))]
	}
	return m
}

// Sink is a mask-filtered wrapper around *slog.Logger.
// The zero value is not usable; use New or Discard.
type Sink struct {
	l    *slog.Logger
	mask atomic.Uint32
}

// New returns a sink logging to l for the subsystems in mask.
func New(l *slog.Logger, mask Mask) *Sink {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sink{l: l}
	s.mask.Store(uint32(mask))
	return s
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return New(nil, MaskNone)
}

// SetMask replaces the enabled subsystem mask.
func (s *Sink) SetMask(m Mask) { s.mask.Store(uint32(m)) }

// Enabled reports whether an event at level for mask would be emitted.
func (s *Sink) Enabled(level slog.Level, mask Mask) bool {
	if s == nil || Mask(s.mask.Load())&mask == 0 {
		return false
	}
	return s.l.Enabled(context.Background(), level)
}

// Log emits msg with args when mask is enabled.
func (s *Sink) Log(level slog.Level, mask Mask, msg string, args ...any) {
	if !s.Enabled(level, mask) {
		return
	}
	s.l.Log(context.Background(), level, msg, append(args, slog.String("mask", mask.String()))...)
}

// Debug logs a debug message for mask.
func (s *Sink) Debug(mask Mask, msg string, args ...any) { s.Log(slog.LevelDebug, mask, msg, args...) }

// Info logs an info message for mask.
func (s *Sink) Info(mask Mask, msg string, args ...any) { s.Log(slog.LevelInfo, mask, msg, args...) }

// Warn logs a warning for mask.
func (s *Sink) Warn(mask Mask, msg string, args ...any) { s.Log(slog.LevelWarn, mask, msg, args...) }

// Error logs an error for mask.
func (s *Sink) Error(mask Mask, msg string, args ...any) { s.Log(slog.LevelError, mask, msg, args...) }

const (
	logPrefix     = "iond-"
	logSuffix     = ".log"
	retentionDays = 14
)

// Options configures the daemon's handler.
type Options struct {
	LogDir string     // Directory for log files. Empty logs to stderr.
	Level  slog.Level // Minimum level.
	JSON   bool       // JSON handler instead of text.
	Mask   Mask       // Enabled subsystems. Zero enables all.
}

// Init builds a sink from opts. The returned close func releases the log file.
func Init(opts Options) (*Sink, func() error, error) {
	var w io.Writer = os.Stderr
	closeFn := func() error { return nil }

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, nil, err
		}
		cleanOldLogs(opts.LogDir)

		name := filepath.Join(opts.LogDir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closeFn = f.Close
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}

	mask := opts.Mask
	if mask == MaskNone {
		mask = MaskAll
	}
	return New(slog.New(h), mask), closeFn, nil
}

// cleanOldLogs removes log files older than retentionDays.
func cleanOldLogs(logDir string) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}

		dateStr := strings.TrimPrefix(strings.TrimSuffix(name, logSuffix), logPrefix)
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			os.Remove(filepath.Join(logDir, name))
		}
	}
}
