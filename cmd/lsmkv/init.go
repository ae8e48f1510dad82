package main

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"lsmkv/pkg/config"
)

// initConfig loads a FileConfig from path, falling back to
// config.DefaultFile() if the file doesn't exist.
func initConfig(path string) (config.FileConfig, error) {
	var cfg config.FileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using defaults", "path", path)
			return config.DefaultFile(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger configures the global slog logger from cfg.
func initLogger(cfg config.LoggerConfig) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
