package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lsmkv",
	Short: "operate an lsmkv database from the command line",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults applied if absent)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadFileConfig reads cfgFile if set, falling back to config.DefaultFile().
func loadFileConfig() (config.FileConfig, error) {
	if cfgFile == "" {
		return config.DefaultFile(), nil
	}
	return initConfig(cfgFile)
}
