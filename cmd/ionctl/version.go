package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ionkit/internal/buildinfo"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(buildinfo.String("ionctl"))
		},
	})
}
