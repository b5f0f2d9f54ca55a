package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFlushThreshold  = 50
	DefaultMaxSegmentBytes = 50 * 1024
	DefaultArchiveWait     = 5 * time.Second

	defaultWALName = "wal.log"
)

// Config configures an Engine.
type Config struct {
	// DataDir holds the segments, their archives and (by default) the WAL.
	// It is created if missing.
	DataDir string `yaml:"data_dir"`

	// FlushThreshold is the MemTable entry count that triggers a flush.
	FlushThreshold int `yaml:"flush_threshold"`

	// MaxSegmentBytes is the active segment size at which the next flush rotates it.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`

	// WALPath is the write-ahead log file. Empty means <DataDir>/wal.log and a
	// relative path is resolved under DataDir.
	WALPath string `yaml:"wal_path"`

	// SyncWrites fsyncs the WAL after every append.
	SyncWrites bool `yaml:"sync_writes"`

	// Archive zips every rotated segment in the background.
	Archive bool `yaml:"archive"`

	// ArchiveWait bounds how long Close waits for running archives.
	ArchiveWait time.Duration `yaml:"archive_wait"`
}

func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:         dataDir,
		FlushThreshold:  DefaultFlushThreshold,
		MaxSegmentBytes: DefaultMaxSegmentBytes,
		SyncWrites:      true,
		Archive:         true,
		ArchiveWait:     DefaultArchiveWait,
	}
}

// LoadConfig reads a YAML config file. Fields the file leaves out keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("LoadConfig: %w", err)
	}

	config := DefaultConfig("")
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("LoadConfig: %s: %w", path, err)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.FlushThreshold < 1 {
		return fmt.Errorf("%w: flush_threshold must be at least 1, got %d", ErrInvalidConfig, c.FlushThreshold)
	}
	if c.MaxSegmentBytes < 1 {
		return fmt.Errorf("%w: max_segment_bytes must be positive, got %d", ErrInvalidConfig, c.MaxSegmentBytes)
	}
	if c.ArchiveWait < 0 {
		return fmt.Errorf("%w: archive_wait must not be negative, got %s", ErrInvalidConfig, c.ArchiveWait)
	}
	return nil
}

// walFilePath derives the WAL location from the data directory.
func (c Config) walFilePath() string {
	if c.WALPath == "" {
		return filepath.Join(c.DataDir, defaultWALName)
	}
	if filepath.IsAbs(c.WALPath) {
		return c.WALPath
	}
	return filepath.Join(c.DataDir, c.WALPath)
}
