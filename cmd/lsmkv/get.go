package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

func init() {
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read the value for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(st db.DB, _ config.FileConfig) error {
			value, err := st.Get(context.Background(), []byte(args[0]), config.ReadOptions{})
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		})
	},
}
