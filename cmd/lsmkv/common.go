package main

import (
	"fmt"
	"os"

	"lsmkv/internal/store"
	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

// withStore loads the configured FileConfig, opens the database it names,
// runs fn, and closes the database afterward regardless of fn's outcome.
func withStore(fn func(db.DB, config.FileConfig) error) {
	cfg, err := loadFileConfig()
	if err != nil {
		fmt.Println("load config:", err)
		os.Exit(1)
	}
	initLogger(cfg.Logger)

	st, err := store.Open(cfg.DataDir, cfg.Options)
	if err != nil {
		fmt.Println("open database:", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := fn(st, cfg); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
