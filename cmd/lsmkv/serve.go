package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/internal/store"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the admin server address from the config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "open the database and run the debug/admin HTTP server until interrupted",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadFileConfig()
		if err != nil {
			fmt.Println("load config:", err)
			os.Exit(1)
		}
		initLogger(cfg.Logger)

		addr := cfg.Admin.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		st, err := store.Open(cfg.DataDir, cfg.Options)
		if err != nil {
			fmt.Println("open database:", err)
			os.Exit(1)
		}
		defer st.Close()

		server := lsmhttp.NewServer(st, addr)
		if err := server.Start(); err != nil {
			fmt.Println("start server:", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		slog.Info("lsmkv serving", "addr", server.URL, "data_dir", cfg.DataDir)
		<-ctx.Done()

		if err := server.Stop(); err != nil {
			slog.Error("server stop", "error", err)
		}
	},
}
