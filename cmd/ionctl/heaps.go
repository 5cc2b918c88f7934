package main

import (
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newHeapsCmd(), newDumpCmd())
}

func newHeapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heaps",
		Short: "List heaps in priority order",
		Long: `The heaps command lists every registered heap with its live buffers,
deferred free list and reclaimable pages.

Example:
  ionctl heaps
  ionctl heaps --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeaps()
		},
	}
}

func runHeaps() error {
	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	stats, err := c.Heaps(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}
	if quiet {
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printRow := func(cols ...string) {
		for i, c := range cols {
			if i > 0 {
				tw.Write([]byte{'\t'})
			}
			tw.Write([]byte(c))
		}
		tw.Write([]byte{'\n'})
	}
	printRow("ID", "NAME", "TYPE", "BUFFERS", "BYTES", "FREELIST", "RECLAIMABLE")
	for _, s := range stats {
		fl := "-"
		if s.Deferred {
			fl = s.FreeListState + "/" + strconv.FormatInt(s.FreeListBytes, 10)
		}
		printRow(
			strconv.FormatUint(uint64(s.ID), 10),
			s.Name,
			s.Type.String(),
			strconv.FormatInt(s.Buffers, 10),
			strconv.FormatInt(s.Bytes, 10),
			fl,
			strconv.Itoa(s.Reclaimable),
		)
	}
	return tw.Flush()
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <heap-id>",
		Short: "Print the debug dump of a heap",
		Long: `The dump command prints per-client usage, orphaned buffers, the
deferred free list and the heap's memory map.

Example:
  ionctl dump 25`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args)
		},
	}
}

func runDump(args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}
	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	text, err := c.Dump(ctx, uint32(id))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"heap": id, "dump": text})
	}
	printInfo("%s", text)
	return nil
}
