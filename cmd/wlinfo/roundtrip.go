package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wayland "github.com/stanluk/wayland-client"
)

var roundtripCount int

var roundtripCmd = &cobra.Command{
	Use:   "roundtrip",
	Short: "Measure the roundtrip latency of the compositor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return forEachDisplay(cmd.Context(), func(conn *wayland.Connection, q *wayland.Queue) error {
			var fastest, slowest, total time.Duration
			for i := 0; i < roundtripCount; i++ {
				start := time.Now()
				if err := q.RoundtripContext(cmd.Context()); err != nil {
					return err
				}
				d := time.Since(start)
				total += d
				if i == 0 || d < fastest {
					fastest = d
				}
				if d > slowest {
					slowest = d
				}
			}
			if roundtripCount == 0 {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d roundtrips, min %v, avg %v, max %v\n",
				conn.Name(), roundtripCount, fastest, total/time.Duration(roundtripCount), slowest)
			return nil
		})
	},
}

func init() {
	roundtripCmd.Flags().IntVarP(&roundtripCount, "count", "n", 100, "number of roundtrips")
}
