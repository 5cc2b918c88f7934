package main

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/ion"
)

var (
	stressSize    string
	stressCount   int
	stressWorkers int
	stressMask    uint32
	stressType    string
	stressFlags   uint64
	stressShare   bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().StringVar(&stressSize, "size", "64K", "Bytes per allocation")
	cmd.Flags().IntVarP(&stressCount, "count", "n", 100, "Allocations per worker")
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", 4, "Concurrent clients")
	cmd.Flags().Uint32Var(&stressMask, "heap-mask", math.MaxUint32, "Heap id mask")
	cmd.Flags().StringVar(&stressType, "type", "any", "Heap type filter")
	cmd.Flags().Uint64Var(&stressFlags, "flags", 0, "Allocation flags")
	cmd.Flags().BoolVar(&stressShare, "share", false, "Share every buffer into a second client")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent allocate/free cycles",
		Long: `The stress command opens one client per worker, allocates and frees
buffers as fast as it can and reports failures. With --share every buffer is
also imported into a second client before it is freed.

Example:
  ionctl stress --size 1M --count 500 --workers 8
  ionctl stress --heap-mask 0x400 --flags 0x80080000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

// StressResult summarizes a stress run.
type StressResult struct {
	Allocs   int64         `json:"allocs"`
	Failures int64         `json:"failures"`
	Bytes    int64         `json:"bytes"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Errors   []string      `json:"errors,omitempty"`
}

func runStress() error {
	size, err := config.ParseBytes(stressSize)
	if err != nil {
		return err
	}
	typ, err := ion.ParseHeapType(stressType)
	if err != nil {
		return err
	}
	req := ion.AllocRequest{Size: int64(size), HeapMask: stressMask, Type: typ, Flags: ion.Flags(stressFlags)}

	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	var (
		res     StressResult
		allocs  atomic.Int64
		fails   atomic.Int64
		bytes   atomic.Int64
		errMu   sync.Mutex
		errSeen = make(map[string]bool)
		wg      sync.WaitGroup
	)
	record := func(err error) {
		fails.Add(1)
		errMu.Lock()
		if !errSeen[err.Error()] && len(errSeen) < 10 {
			errSeen[err.Error()] = true
			res.Errors = append(res.Errors, err.Error())
		}
		errMu.Unlock()
	}

	start := time.Now()
	setupErrs := make([]error, stressWorkers)
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id, err := c.OpenClient(ctx, fmt.Sprintf("ionctl-stress-%d", w))
			if err != nil {
				setupErrs[w] = err
				return
			}
			defer c.CloseClient(ctx, id) //nolint:errcheck // best effort
			peer := -1
			if stressShare {
				if peer, err = c.OpenClient(ctx, fmt.Sprintf("ionctl-peer-%d", w)); err != nil {
					setupErrs[w] = err
					return
				}
				defer c.CloseClient(ctx, peer) //nolint:errcheck // best effort
			}

			for i := 0; i < stressCount; i++ {
				a, err := c.Alloc(ctx, id, req)
				if err != nil {
					record(err)
					continue
				}
				allocs.Add(1)
				bytes.Add(a.Size)
				if peer >= 0 {
					if err := sharePeer(ctx, c, id, peer, a.Handle); err != nil {
						record(err)
					}
				}
				if err := c.Free(ctx, id, a.Handle); err != nil {
					record(err)
				}
			}
		}(w)
	}
	wg.Wait()

	if err := errors.Join(setupErrs...); err != nil {
		return err
	}
	res.Allocs, res.Failures, res.Bytes = allocs.Load(), fails.Load(), bytes.Load()
	res.Elapsed = time.Since(start)

	if jsonOut {
		return printJSON(res)
	}
	printInfo("%d allocations (%d bytes) in %s, %d failures\n", res.Allocs, res.Bytes, res.Elapsed.Round(time.Millisecond), res.Failures)
	for _, e := range res.Errors {
		printVerbose("  %s\n", e)
	}
	return nil
}
