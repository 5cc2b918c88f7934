package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/rpc"
)

var shareSize string

func init() {
	cmd := newShareCmd()
	cmd.Flags().StringVar(&shareSize, "size", "4K", "Bytes to allocate")
	rootCmd.AddCommand(cmd)
}

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share",
		Short: "Allocate a buffer and share it between two clients",
		Long: `The share command opens two clients, allocates a buffer in the first,
imports it into the second and frees both handles. It checks that buffer
sharing works end to end on a running daemon.

Example:
  ionctl share --size 1M`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShare()
		},
	}
}

func runShare() error {
	size, err := config.ParseBytes(shareSize)
	if err != nil {
		return err
	}
	c, ctx, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	owner, err := c.OpenClient(ctx, "ionctl-share-owner")
	if err != nil {
		return err
	}
	defer c.CloseClient(ctx, owner) //nolint:errcheck // best effort
	peer, err := c.OpenClient(ctx, "ionctl-share-peer")
	if err != nil {
		return err
	}
	defer c.CloseClient(ctx, peer) //nolint:errcheck // best effort

	a, err := c.Alloc(ctx, owner, ion.AllocRequest{Size: int64(size), HeapMask: ^uint32(0)})
	if err != nil {
		return err
	}
	printVerbose("Allocated buffer %d (%d bytes) from %s\n", a.Buffer, a.Size, a.Heap)
	if err := sharePeer(ctx, c, owner, peer, a.Handle); err != nil {
		return err
	}
	if err := c.Free(ctx, owner, a.Handle); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"buffer": a.Buffer, "heap": a.Heap, "size": a.Size})
	}
	printInfo("Shared buffer %d (%d bytes, %s)\n", a.Buffer, a.Size, a.Heap)
	return nil
}

// sharePeer exports handle from owner, imports it into peer and drops the
// peer's handle again.
func sharePeer(ctx context.Context, c *rpc.Client, owner, peer, handle int) error {
	tok, err := c.Share(ctx, owner, handle)
	if err != nil {
		return err
	}
	h, err := c.Import(ctx, peer, tok)
	if err != nil {
		return err
	}
	return c.Free(ctx, peer, h)
}
