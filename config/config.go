package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Video     VideoConfig     `yaml:"video"`
	Audio     AudioConfig     `yaml:"audio"`
	Detection DetectionConfig `yaml:"detection"`
	Recording RecordingConfig `yaml:"recording"`
	Preview   PreviewConfig   `yaml:"preview"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type VideoConfig struct {
	Device string `yaml:"device"` // device index ("0") or path ("/dev/video0")
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

type AudioConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Device  string `yaml:"device"`
}

type DetectionConfig struct {
	Cascade    string  `yaml:"cascade"`
	IntervalMs int     `yaml:"interval_ms"`
	Scale      float64 `yaml:"scale"`    // downscale factor applied before detection
	MinSize    int     `yaml:"min_size"` // minimum face size at detection scale, in pixels
}

type RecordingConfig struct {
	Bitrate string `yaml:"bitrate"`
}

type PreviewConfig struct {
	RTPPort int `yaml:"rtp_port"`
}

// Load builds the configuration from the embedded defaults and applies
// environment variable overrides on top.
func Load() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	cfg.HTTP.Addr = stringEnv("FACECAM_ADDR", cfg.HTTP.Addr)
	cfg.Video.Device = stringEnv("FACECAM_VIDEO_DEVICE", cfg.Video.Device)
	cfg.Video.Width = intEnv("FACECAM_VIDEO_WIDTH", cfg.Video.Width)
	cfg.Video.Height = intEnv("FACECAM_VIDEO_HEIGHT", cfg.Video.Height)
	cfg.Video.FPS = intEnv("FACECAM_VIDEO_FPS", cfg.Video.FPS)
	cfg.Audio.Enabled = boolEnv("FACECAM_AUDIO", cfg.Audio.Enabled)
	cfg.Audio.Driver = stringEnv("FACECAM_AUDIO_DRIVER", cfg.Audio.Driver)
	cfg.Audio.Device = stringEnv("FACECAM_AUDIO_DEVICE", cfg.Audio.Device)
	cfg.Detection.Cascade = stringEnv("FACECAM_CASCADE", cfg.Detection.Cascade)
	cfg.Detection.IntervalMs = intEnv("FACECAM_DETECT_INTERVAL_MS", cfg.Detection.IntervalMs)
	cfg.Detection.Scale = floatEnv("FACECAM_DETECT_SCALE", cfg.Detection.Scale)
	cfg.Detection.MinSize = intEnv("FACECAM_DETECT_MIN_SIZE", cfg.Detection.MinSize)
	cfg.Recording.Bitrate = stringEnv("FACECAM_RECORD_BITRATE", cfg.Recording.Bitrate)
	cfg.Preview.RTPPort = intEnv("FACECAM_PREVIEW_RTP_PORT", cfg.Preview.RTPPort)

	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.Detection.IntervalMs <= 0 {
		return nil, fmt.Errorf("invalid detection interval %dms", cfg.Detection.IntervalMs)
	}
	return &cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
