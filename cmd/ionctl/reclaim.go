package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/secure"
)

var (
	reclaimPressure string
	reclaimTarget   int
)

func init() {
	cmd := newReclaimCmd()
	cmd.Flags().StringVar(&reclaimPressure, "pressure", "highmem", "Memory class to reclaim (normal, highmem)")
	cmd.Flags().IntVar(&reclaimTarget, "target", 0, "Pages to reclaim (0 = everything)")
	rootCmd.AddCommand(cmd, newPrefetchCmd(), newDrainCmd())
}

func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Release deferred buffers and pooled pages",
		Long: `The reclaim command simulates memory pressure: deferred free lists are
drained straight to the system first, then heap page pools are shrunk.

Example:
  ionctl reclaim
  ionctl reclaim --pressure normal --target 256`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReclaim()
		},
	}
}

func runReclaim() error {
	p, err := ion.ParsePressure(reclaimPressure)
	if err != nil {
		return err
	}
	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	freed, remaining, err := c.Reclaim(ctx, p, reclaimTarget)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"pressure": p.String(), "pages": freed, "remaining": remaining})
	}
	printInfo("Reclaimed %d pages (%s), %d still reclaimable\n", freed, p, remaining)
	return nil
}

func newPrefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <heap-id> <vmid> <size>",
		Short: "Fill a secure page pool ahead of allocations",
		Long: `The prefetch command assigns size bytes of fresh pages to a secure
domain and parks them in the heap's pool for that domain.

Example:
  ionctl prefetch 10 cp_pixel 8M`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecurePool(args, true)
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain <heap-id> <vmid> [size]",
		Short: "Return secure pool pages to the system",
		Long: `The drain command unassigns pooled secure pages and frees them. Without
a size the whole pool is drained.

Example:
  ionctl drain 10 cp_pixel
  ionctl drain 10 0xa 1M`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecurePool(args, false)
		},
	}
}

func runSecurePool(args []string, prefetch bool) error {
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}
	vmid, err := secure.ParseVMID(args[1])
	if err != nil {
		return err
	}
	var size config.Bytes
	if len(args) > 2 {
		if size, err = config.ParseBytes(args[2]); err != nil {
			return err
		}
	}

	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	if prefetch {
		err = c.Prefetch(ctx, uint32(id), vmid, int64(size))
	} else {
		err = c.Drain(ctx, uint32(id), vmid, int64(size))
	}
	if err != nil {
		return err
	}
	verb := "Drained"
	if prefetch {
		verb = "Prefetched"
	}
	printInfo("%s %s pool on heap %d\n", verb, vmid, id)
	return nil
}
