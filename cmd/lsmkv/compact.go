package main

import (
	"context"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

func init() {
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(flushCmd)
}

var compactCmd = &cobra.Command{
	Use:   "compact [start] [end]",
	Short: "force a manual compaction over [start, end] (whole keyspace if omitted)",
	Args:  cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
		}
		if len(args) > 1 {
			end = []byte(args[1])
		}
		withStore(func(st db.DB, _ config.FileConfig) error {
			return st.CompactRange(context.Background(), start, end)
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "force the active memtable to flush and wait for it to finish",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(st db.DB, _ config.FileConfig) error {
			return st.Flush(context.Background())
		})
	},
}
