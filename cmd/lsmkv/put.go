package main

import (
	"context"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

var putSync bool

func init() {
	putCmd.Flags().BoolVar(&putSync, "sync", false, "wait for the write to be durably synced")
	rootCmd.AddCommand(putCmd)
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "write a key=value pair",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(st db.DB, _ config.FileConfig) error {
			return st.Put(context.Background(), []byte(args[0]), []byte(args[1]), config.WriteOptions{Sync: putSync})
		})
	},
}
