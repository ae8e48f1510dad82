// Package config holds the options the engine recognizes (spec §6),
// YAML-decodable with github.com/goccy/go-yaml, with the clamping spec §6
// requires applied by Normalize.
package config

import (
	"lsmkv/pkg/snapshot"
)

// Compression selects the block codec spec §6 allows.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

const (
	minWriteBufferSize = 64 * 1024
	maxWriteBufferSize = 1 << 30

	minOpenFiles = 74
	maxOpenFiles = 50000

	minFileSize = 1 << 20
	maxFileSize = 1 << 30
)

// Options are the database-open-time options spec §6 names.
type Options struct {
	// CreateIfMissing: fail if the DB is absent when false.
	CreateIfMissing bool `yaml:"create_if_missing"`
	// ErrorIfExists: fail if the DB is present when true.
	ErrorIfExists bool `yaml:"error_if_exists"`
	// ParanoidChecks converts recoverable read errors into fatal status.
	ParanoidChecks bool `yaml:"paranoid_checks"`
	// WriteBufferSize is the memtable flush threshold, clamped to
	// [64KiB, 1GiB].
	WriteBufferSize int `yaml:"write_buffer_size"`
	// MaxOpenFiles is the file-handle cap, clamped to [74, 50000].
	MaxOpenFiles int `yaml:"max_open_files"`
	// BlockCacheCapacity is the number of blocks the block cache holds.
	BlockCacheCapacity int `yaml:"block_cache_capacity"`
	// BlockSize is the target data-block size.
	BlockSize int `yaml:"block_size"`
	// MaxFileSize is clamped to [1MiB, 1GiB] but is not read by the engine:
	// compaction output files are capped at version.TargetFileSize.
	MaxFileSize int64 `yaml:"max_file_size"`
	// Compression selects the block codec.
	Compression Compression `yaml:"compression"`
	// ReuseLogs reuses the last log (and its memtable) on recovery. The
	// manifest is reused whenever it is under version.TargetFileSize,
	// whether or not this is set.
	ReuseLogs bool `yaml:"reuse_logs"`
	// FilterBitsPerKey configures the bloom-filter policy; 0 disables it.
	FilterBitsPerKey int `yaml:"filter_bits_per_key"`
	// ComparatorName is not read by the engine: the store always orders
	// keys bytewise and checks that comparator's name against the one
	// persisted in the manifest.
	ComparatorName string `yaml:"comparator_name"`
}

// Default returns the baseline options a freshly opened database should use.
func Default() Options {
	o := Options{
		CreateIfMissing:    true,
		WriteBufferSize:    4 * 1024 * 1024,
		MaxOpenFiles:       1000,
		BlockCacheCapacity: 8 << 20,
		BlockSize:          4096,
		MaxFileSize:        2 << 20,
		Compression:        CompressionSnappy,
		FilterBitsPerKey:   10,
		ComparatorName:     "lsmkv.BytewiseComparator",
	}
	return o.Normalize()
}

// Normalize applies the clamps spec §6 specifies and fills in zero-valued
// fields, returning a corrected copy.
func (o Options) Normalize() Options {
	o.WriteBufferSize = clampInt(o.WriteBufferSize, minWriteBufferSize, maxWriteBufferSize)
	o.MaxOpenFiles = clampInt(o.MaxOpenFiles, minOpenFiles, maxOpenFiles)
	o.MaxFileSize = clampInt64(o.MaxFileSize, minFileSize, maxFileSize)
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockCacheCapacity <= 0 {
		o.BlockCacheCapacity = 8 << 20
	}
	if o.Compression == "" {
		o.Compression = CompressionNone
	}
	if o.ComparatorName == "" {
		o.ComparatorName = "lsmkv.BytewiseComparator"
	}
	return o
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ReadOptions are the per-read options spec §6 names.
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
	Snapshot        snapshot.Snapshot
}

// WriteOptions are the per-write options spec §6 names.
type WriteOptions struct {
	Sync bool
}

// LoggerConfig configures the ambient log/slog handler (cmd/lsmkv).
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminServerConfig configures the debug/property-query HTTP surface
// (internal/http), disabled by default.
type AdminServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FileConfig is the top-level YAML document accepted by cmd/lsmkv: engine
// Options plus the ambient logger/admin-server settings that sit outside
// the engine's own Options struct.
type FileConfig struct {
	DataDir string            `yaml:"data_dir"`
	Logger  LoggerConfig      `yaml:"logger"`
	Admin   AdminServerConfig `yaml:"admin"`
	Options Options           `yaml:"options"`
}

// DefaultFile returns a baseline development FileConfig.
func DefaultFile() FileConfig {
	return FileConfig{
		DataDir: "./data",
		Logger:  LoggerConfig{Level: "INFO", JSON: false},
		Admin:   AdminServerConfig{Enabled: false, Addr: "127.0.0.1:8080"},
		Options: Default(),
	}
}
