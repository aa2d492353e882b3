// Package config provides unified configuration for the synchronization
// pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for one synchronization run.
type Config struct {
	// RootDirectory is the session root holding audio/, video/, ephys/
	// and sync/ subdirectories.
	RootDirectory string `json:"root_directory" yaml:"root_directory"`

	// OutputDir is where changepoint records and reports are written.
	// Defaults to <root>/sync.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Trigger configuration for the digital pulse line
	Trigger TriggerConfig `json:"trigger" yaml:"trigger"`

	// Video configuration for LED flash detection
	Video VideoConfig `json:"video" yaml:"video"`

	// Validation configuration
	Validation ValidationConfig `json:"validation" yaml:"validation"`

	// Batch configuration
	Batch BatchConfig `json:"batch" yaml:"batch"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// TriggerConfig describes how the shared pulse train is encoded on a
// device's digital/analog channel.
type TriggerConfig struct {
	// Channel is the absolute channel index carrying the trigger line.
	// A negative value addresses channels from the end of the word
	// (-1 = last channel, the SpikeGLX sync channel convention).
	Channel int `json:"channel" yaml:"channel"`

	// Bit is the bit position within a sample word holding the digital
	// line, for lines multiplexed into an analog channel's LSBs.
	// A negative value selects plain level-threshold decoding instead.
	Bit int `json:"bit" yaml:"bit"`

	// SampleRate is the device sampling rate in Hz.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// MinPulseSamples is the noise floor: HIGH runs shorter than this
	// are discarded as glitches.
	MinPulseSamples int64 `json:"min_pulse_samples" yaml:"min_pulse_samples"`

	// MinGapSamples merges LOW glitches shorter than this back into the
	// surrounding pulse.
	MinGapSamples int64 `json:"min_gap_samples" yaml:"min_gap_samples"`

	// CacheDecoded enables the advisory companion-file cache of decoded
	// edges next to the raw binary.
	CacheDecoded bool `json:"cache_decoded" yaml:"cache_decoded"`
}

// VideoConfig describes LED flash detection for the cameras.
type VideoConfig struct {
	// FPS is the camera frame rate.
	FPS float64 `json:"fps" yaml:"fps"`

	// LEDX and LEDY pin the marker position inside the sidecar search
	// box. Negative values auto-locate the marker from the brightest
	// early flash.
	LEDX int `json:"led_x" yaml:"led_x"`
	LEDY int `json:"led_y" yaml:"led_y"`

	// LEDDeviation is the allowed pixel drift when re-locating the
	// marker across sessions.
	LEDDeviation int `json:"led_deviation" yaml:"led_deviation"`

	// IntensityThreshold is the relative intensity change (0-1) above
	// which a frame-to-frame delta counts as a flash edge.
	IntensityThreshold float64 `json:"intensity_threshold" yaml:"intensity_threshold"`

	// RefractoryFrames suppresses a second onset within this many
	// frames of the previous one, so a flash spanning two frames at
	// high frame rates is not double counted.
	RefractoryFrames int `json:"refractory_frames" yaml:"refractory_frames"`

	// CameraSerials restricts processing to the named cameras. Empty
	// means every camera found under the session root.
	CameraSerials []string `json:"camera_serials" yaml:"camera_serials"`
}

// ValidationConfig holds divergence validation settings.
type ValidationConfig struct {
	// ToleranceMS is the maximum allowed duration discrepancy between
	// two aligned streams, in milliseconds.
	ToleranceMS float64 `json:"tolerance_ms" yaml:"tolerance_ms"`
}

// BatchConfig holds batch-run settings.
type BatchConfig struct {
	// Concurrency bounds the number of channels/cameras decoded in
	// parallel.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// CatalogPath is the SQLite catalog of completed runs. Empty
	// disables cataloging.
	CatalogPath string `json:"catalog_path" yaml:"catalog_path"`
}

// StorageConfig holds storage configuration for archived inputs and
// published records.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration. Rates and pixel
// coordinates always come from the operator; tolerances and noise
// floors carry working defaults.
func DefaultConfig() *Config {
	return &Config{
		Trigger: TriggerConfig{
			Channel:         -1,
			Bit:             0,
			SampleRate:      30000,
			MinPulseSamples: 10,
			MinGapSamples:   10,
			CacheDecoded:    true,
		},
		Video: VideoConfig{
			FPS:                150,
			LEDX:               -1,
			LEDY:               -1,
			LEDDeviation:       10,
			IntensityThreshold: 0.35,
			RefractoryFrames:   2,
		},
		Validation: ValidationConfig{
			ToleranceMS: 12,
		},
		Batch: BatchConfig{
			Concurrency: 4,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on
// RootDirectory.
func (c *Config) Resolve() {
	if c.OutputDir == "" && c.RootDirectory != "" {
		c.OutputDir = filepath.Join(c.RootDirectory, "sync")
	}
	if c.Storage.Path == "" && c.RootDirectory != "" {
		c.Storage.Path = c.RootDirectory
	}
	if c.Batch.CatalogPath == "" && c.OutputDir != "" {
		c.Batch.CatalogPath = filepath.Join(c.OutputDir, "sync_catalog.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RootDirectory == "" {
		return fmt.Errorf("root_directory is required")
	}

	if c.Trigger.SampleRate <= 0 {
		return fmt.Errorf("trigger.sample_rate must be positive, got %g", c.Trigger.SampleRate)
	}

	if c.Video.FPS <= 0 {
		return fmt.Errorf("video.fps must be positive, got %g", c.Video.FPS)
	}

	if c.Video.IntensityThreshold <= 0 || c.Video.IntensityThreshold > 1 {
		return fmt.Errorf("video.intensity_threshold must be in (0, 1], got %g", c.Video.IntensityThreshold)
	}

	if c.Video.LEDDeviation < 0 {
		return fmt.Errorf("video.led_deviation must not be negative, got %d", c.Video.LEDDeviation)
	}

	if (c.Video.LEDX >= 0) != (c.Video.LEDY >= 0) {
		return fmt.Errorf("video.led_x and video.led_y must be set together, got (%d, %d)", c.Video.LEDX, c.Video.LEDY)
	}
	if boxSide := 2*c.Video.LEDDeviation + 1; c.Video.LEDX >= boxSide || c.Video.LEDY >= boxSide {
		return fmt.Errorf("video.led_x/led_y (%d, %d) fall outside the %dx%d search box",
			c.Video.LEDX, c.Video.LEDY, boxSide, boxSide)
	}

	if c.Validation.ToleranceMS <= 0 {
		return fmt.Errorf("validation.tolerance_ms must be positive, got %g", c.Validation.ToleranceMS)
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1, got %d", c.Batch.Concurrency)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PLAYPEN_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PLAYPEN_ROOT_DIRECTORY"); v != "" {
		cfg.RootDirectory = v
	}
	if v := os.Getenv("PLAYPEN_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}

	// Trigger configuration
	if v := os.Getenv("PLAYPEN_TRIGGER_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trigger.Channel = n
		}
	}
	if v := os.Getenv("PLAYPEN_TRIGGER_BIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trigger.Bit = n
		}
	}
	if v := os.Getenv("PLAYPEN_TRIGGER_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trigger.SampleRate = f
		}
	}

	// Video configuration
	if v := os.Getenv("PLAYPEN_VIDEO_FPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Video.FPS = f
		}
	}
	if v := os.Getenv("PLAYPEN_VIDEO_INTENSITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Video.IntensityThreshold = f
		}
	}
	if v := os.Getenv("PLAYPEN_LED_X"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Video.LEDX = n
		}
	}
	if v := os.Getenv("PLAYPEN_LED_Y"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Video.LEDY = n
		}
	}

	// Validation configuration
	if v := os.Getenv("PLAYPEN_TOLERANCE_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Validation.ToleranceMS = f
		}
	}

	// Batch configuration
	if v := os.Getenv("PLAYPEN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Concurrency = n
		}
	}

	// Storage configuration
	if v := os.Getenv("PLAYPEN_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("PLAYPEN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PLAYPEN_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("PLAYPEN_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("PLAYPEN_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required output directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.OutputDir}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
