package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"layerdb/pkg/compression"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/merge"
)

// Config is the root of the YAML configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Storage     StorageConfig     `yaml:"storage"`
	Merge       MergeConfig       `yaml:"merge"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	HTTP        HTTPConfig        `yaml:"http"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type StorageConfig struct {
	Dir string `yaml:"dir" validate:"required"`
	// SegmentSize is the capacity of one region.
	SegmentSize        int64   `yaml:"segment_size" validate:"min=4096"`
	BlockSize          int     `yaml:"block_size" validate:"min=256"`
	Compression        string  `yaml:"compression" validate:"oneof=none zstd gzip"`
	BlockCacheCapacity int     `yaml:"block_cache_capacity" validate:"min=0"`
	BloomFPRate        float64 `yaml:"bloom_fp_rate" validate:"gt=0,lt=1"`
	// MaxBytes caps the bytes held by live regions; 0 is unlimited.
	MaxBytes int64 `yaml:"max_bytes" validate:"min=0"`
}

type MergeConfig struct {
	Policy         string  `yaml:"policy" validate:"oneof=all newest size-ratio"`
	MinGenerations int     `yaml:"min_generations"`
	MaxGenerations int     `yaml:"max_generations"`
	FanIn          int     `yaml:"fan_in"`
	SizeRatio      float64 `yaml:"size_ratio"`
	// DropTombstones lets a merge that includes the oldest generation
	// discard deletion markers.
	DropTombstones bool `yaml:"drop_tombstones"`
}

type MaintenanceConfig struct {
	Enabled             bool          `yaml:"enabled"`
	FlushThresholdBytes int64         `yaml:"flush_threshold_bytes" validate:"min=1"`
	Interval            time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
		},
		Storage: StorageConfig{
			Dir:                "./data",
			SegmentSize:        4 << 20,
			BlockSize:          64 << 10,
			Compression:        "zstd",
			BlockCacheCapacity: 256,
			BloomFPRate:        0.01,
		},
		Merge: MergeConfig{
			Policy:         "all",
			MinGenerations: 4,
			MaxGenerations: 8,
			FanIn:          4,
			SizeRatio:      1.0,
		},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			FlushThresholdBytes: 8 << 20,
			Interval:            5 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:           true,
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, cfg.Validate()
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(dberrors.ErrInvalidArgument, "config: "+format, args...)
}

// Validate enforces the constraints in the validate tags.
func (c Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return invalid("logger.level %q", c.Logger.Level)
	}
	s := c.Storage
	if s.Dir == "" {
		return invalid("storage.dir is required")
	}
	if s.SegmentSize < 4096 {
		return invalid("storage.segment_size %d below 4096", s.SegmentSize)
	}
	if s.BlockSize < 256 || int64(s.BlockSize) > s.SegmentSize {
		return invalid("storage.block_size %d outside [256, segment_size]", s.BlockSize)
	}
	if _, err := compression.ParseCodec(s.Compression); err != nil {
		return invalid("storage.compression: %v", err)
	}
	if s.BlockCacheCapacity < 0 || s.MaxBytes < 0 {
		return invalid("storage sizes must not be negative")
	}
	if s.BloomFPRate <= 0 || s.BloomFPRate >= 1 {
		return invalid("storage.bloom_fp_rate %v outside (0, 1)", s.BloomFPRate)
	}
	if _, err := c.Merge.NewPolicy(); err != nil {
		return err
	}
	if c.Maintenance.Enabled {
		if c.Maintenance.FlushThresholdBytes < 1 {
			return invalid("maintenance.flush_threshold_bytes must be positive")
		}
		if c.Maintenance.Interval <= 0 {
			return invalid("maintenance.interval must be positive")
		}
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return invalid("http.port %d", c.HTTP.Port)
	}
	return nil
}

// NewPolicy builds the configured merge policy.
func (m MergeConfig) NewPolicy() (merge.Policy, error) {
	return merge.ByName(m.Policy, merge.Params{
		MinGenerations: m.MinGenerations,
		MaxGenerations: m.MaxGenerations,
		FanIn:          m.FanIn,
		Ratio:          m.SizeRatio,
	})
}

// Codec returns the configured block codec.
func (s StorageConfig) Codec() compression.Codec {
	c, _ := compression.ParseCodec(s.Compression)
	return c
}
