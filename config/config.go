// Package config resolves service settings from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variables that override file settings.
const (
	EnvDebug      = "DEBUG"
	EnvListenAddr = "FACE_LISTEN_ADDR"
	EnvDataDir    = "FACE_DATA_DIR"
	EnvONNXLib    = "ONNXRUNTIME_LIB"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ONNX      ONNXConfig      `yaml:"onnx"`
	Detection DetectionConfig `yaml:"detection"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	MaxChunkBytes  int64         `yaml:"max_chunk_bytes"`
	MaxImageBytes  int64         `yaml:"max_image_bytes"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type ONNXConfig struct {
	// LibraryPath is the onnxruntime shared library. Empty means look in
	// LibraryDir for the platform default name.
	LibraryPath    string `yaml:"library_path"`
	LibraryDir     string `yaml:"library_dir"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

type DetectionConfig struct {
	Threshold    float32 `yaml:"threshold"`
	IoUThreshold float32 `yaml:"iou_threshold"`
	// MaxImagePixels rejects larger input images before decoding.
	MaxImagePixels int `yaml:"max_image_pixels"`
}

type StorageConfig struct {
	// DataDir holds the stats store. Empty keeps stats in memory only.
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			MaxChunkBytes:  2 << 20,
			MaxImageBytes:  10 << 20,
			AcquireTimeout: 5 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
		},
		ONNX: ONNXConfig{
			IntraOpThreads: runtime.NumCPU(),
			InterOpThreads: runtime.NumCPU(),
		},
		Detection: DetectionConfig{
			Threshold:      0.5,
			MaxImagePixels: 40_000_000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if os.Getenv(EnvDebug) == "true" {
		c.Log.Level = "debug"
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		c.Storage.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvONNXLib); ok && v != "" {
		c.ONNX.LibraryPath = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.MaxChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_chunk_bytes must be positive, got %d", c.Server.MaxChunkBytes))
	}
	if c.Server.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_image_bytes must be positive, got %d", c.Server.MaxImageBytes))
	}
	if c.Server.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.acquire_timeout must be positive, got %v", c.Server.AcquireTimeout))
	}
	if c.Detection.Threshold <= 0 || c.Detection.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("detection.threshold must be in (0,1), got %v", c.Detection.Threshold))
	}
	if c.Detection.IoUThreshold < 0 || c.Detection.IoUThreshold >= 1 {
		errs = append(errs, fmt.Errorf("detection.iou_threshold must be in [0,1), got %v", c.Detection.IoUThreshold))
	}
	if c.Detection.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("detection.max_image_pixels must be positive, got %d", c.Detection.MaxImagePixels))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}
