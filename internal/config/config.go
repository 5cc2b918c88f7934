// Package config loads the iond configuration file.
//
// Example:
//
//	listen:
//	  grpc: 127.0.0.1:7070
//	  http: 127.0.0.1:7071
//	log:
//	  level: info
//	  json: false
//	  mask: alloc,reclaim
//	device:
//	  priority: higher_first
//	  freelist:
//	    high_water: 16M
//	    tick: 1s
//	reclaim:
//	  interval: 30s
//	  pressure: highmem
//	heaps:
//	  - id: 25
//	    name: system
//	    type: system
//	    orders: [8, 4, 0]
//	    defer_free: true
//	  - id: 8
//	    name: carveout
//	    type: carveout
//	    base: 0x80000000
//	    size: 4M
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the daemon configuration.
type Config struct {
	Listen  Listen  `yaml:"listen"`
	Log     Log     `yaml:"log"`
	Device  Device  `yaml:"device"`
	Reclaim Reclaim `yaml:"reclaim"`
	Heaps   []Heap  `yaml:"heaps"`
}

// Listen holds server addresses. An empty address disables that server.
type Listen struct {
	GRPC string `yaml:"grpc"`
	HTTP string `yaml:"http"`
}

// Log configures the diagnostic sink.
type Log struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Mask  string `yaml:"mask"`
}

// Device configures the heap registry.
type Device struct {
	Priority string   `yaml:"priority"`
	FreeList FreeList `yaml:"freelist"`
}

// FreeList configures deferred free workers.
type FreeList struct {
	HighWater Bytes         `yaml:"high_water"`
	Tick      time.Duration `yaml:"tick"`
}

// Reclaim configures periodic background reclaim. A zero interval disables
// it; SIGUSR2 still triggers a full reclaim.
type Reclaim struct {
	Interval time.Duration `yaml:"interval"`
	Pressure string        `yaml:"pressure"`
	Target   int           `yaml:"target"`
}

// Heap describes one heap.
type Heap struct {
	ID        uint32       `yaml:"id"`
	Name      string       `yaml:"name"`
	Type      ion.HeapType `yaml:"type"`
	Base      uint64       `yaml:"base"`
	Size      Bytes        `yaml:"size"`
	Align     Bytes        `yaml:"align"`
	ChunkSize Bytes        `yaml:"chunk_size"`
	Orders    []uint       `yaml:"orders"`
	DeferFree bool         `yaml:"defer_free"`
}

// Bytes is a byte count that also accepts K, M and G suffixes.
type Bytes int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bytes) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = v
	return nil
}

// ParseBytes parses "4096", "64K", "16M" or "1G".
func ParseBytes(s string) (Bytes, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	if s != "" {
		switch strings.ToUpper(s[len(s)-1:]) {
		case "K":
			mult = 1 << 10
		case "M":
			mult = 1 << 20
		case "G":
			mult = 1 << 30
		}
		if mult > 1 {
			s = s[:len(s)-1]
		}
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrInvalid, s)
	}
	return Bytes(n * mult), nil
}

// Default returns the configuration used when no file is given: one pooled
// system heap with deferred free, and both servers on localhost.
func Default() *Config {
	return &Config{
		Listen: Listen{GRPC: "127.0.0.1:7070", HTTP: "127.0.0.1:7071"},
		Log:    Log{Level: "info"},
		Device: Device{Priority: "higher_first", FreeList: FreeList{Tick: time.Second}},
		Reclaim: Reclaim{
			Pressure: "highmem",
		},
		Heaps: []Heap{{ID: 25, Name: "system", Type: ion.HeapTypeSystem, DeferFree: true}},
	}
}

// Load reads and validates the file at path, on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates data on top of Default. A heaps list in data
// replaces the default heaps.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Heaps = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(cfg.Heaps) == 0 {
		cfg.Heaps = Default().Heaps
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for mistakes that would only show up at
// allocation time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Priority(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ion.ParsePressure(c.Reclaim.Pressure); err != nil {
		errs = append(errs, fmt.Errorf("%w: reclaim: %w", ErrInvalid, err))
	}
	if _, err := c.LoggerOptions(); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool)
	for i, h := range c.Heaps {
		where := fmt.Sprintf("heap %d (%q)", i, h.Name)
		switch {
		case h.Name == "":
			errs = append(errs, fmt.Errorf("%w: %s: name required", ErrInvalid, where))
		case names[h.Name]:
			errs = append(errs, fmt.Errorf("%w: %s: duplicate name", ErrInvalid, where))
		}
		names[h.Name] = true
		if h.ID > ion.MaxHeapID {
			errs = append(errs, fmt.Errorf("%w: %s: id %d exceeds %d", ErrInvalid, where, h.ID, ion.MaxHeapID))
		}
		if h.Type == ion.HeapTypeAny {
			errs = append(errs, fmt.Errorf("%w: %s: type required", ErrInvalid, where))
		}
		switch h.Type {
		case ion.HeapTypeCarveout, ion.HeapTypeChunk, ion.HeapTypeCMA, ion.HeapTypeSecureCMA:
			if h.Size <= 0 {
				errs = append(errs, fmt.Errorf("%w: %s: %s heaps need a size", ErrInvalid, where, h.Type))
			}
		}
		if h.Align&(h.Align-1) != 0 {
			errs = append(errs, fmt.Errorf("%w: %s: align %d is not a power of two", ErrInvalid, where, h.Align))
		}
	}
	return errors.Join(errs...)
}

// Descs returns the heap descriptors in file order.
func (c *Config) Descs() []ion.Desc {
	out := make([]ion.Desc, 0, len(c.Heaps))
	for _, h := range c.Heaps {
		d := ion.Desc{
			ID:        h.ID,
			Type:      h.Type,
			Name:      h.Name,
			Base:      h.Base,
			Size:      int64(h.Size),
			Align:     int64(h.Align),
			ChunkSize: int64(h.ChunkSize),
			Orders:    h.Orders,
		}
		if h.DeferFree {
			d.Flags |= ion.HeapFlagDeferFree
		}
		out = append(out, d)
	}
	return out
}

// Priority returns the configured heap priority order.
func (c *Config) Priority() (ion.PriorityOrder, error) {
	switch c.Device.Priority {
	case "", "higher_first":
		return ion.HigherIDFirst, nil
	case "lower_first":
		return ion.LowerIDFirst, nil
	}
	return 0, fmt.Errorf("%w: priority %q", ErrInvalid, c.Device.Priority)
}

// DeviceOptions returns the ion.Device options for c.
func (c *Config) DeviceOptions(log *logger.Sink) []ion.Option {
	prio, _ := c.Priority()
	return []ion.Option{
		ion.WithLogger(log),
		ion.WithPriority(prio),
		ion.WithFreeListHighWater(int64(c.Device.FreeList.HighWater)),
		ion.WithFreeListTick(c.Device.FreeList.Tick),
	}
}

// ReclaimPressure returns the pressure class for periodic reclaim.
func (c *Config) ReclaimPressure() ion.Pressure {
	p, _ := ion.ParsePressure(c.Reclaim.Pressure)
	return p
}

// LoggerOptions returns the sink options for c.
func (c *Config) LoggerOptions() (logger.Options, error) {
	var lvl slog.Level
	if c.Log.Level != "" {
		if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return logger.Options{}, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
		}
	}
	opts := logger.Options{LogDir: c.Log.Dir, Level: lvl, JSON: c.Log.JSON}
	if c.Log.Mask != "" {
		opts.Mask = logger.ParseMask(c.Log.Mask)
	}
	return opts, nil
}
