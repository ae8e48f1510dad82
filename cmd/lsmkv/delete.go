package main

import (
	"context"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

func init() {
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "remove a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(st db.DB, _ config.FileConfig) error {
			return st.Delete(context.Background(), []byte(args[0]), config.WriteOptions{})
		})
	},
}
