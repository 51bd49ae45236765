// Package config loads the threadloom runtime configuration from
// <root>/config.yaml with environment overrides and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig governs per-bucket preemption defaults.
type SchedulerConfig struct {
	// MaxSequentialSwaps bounds how many times rapid submissions may
	// preempt in-flight work before the bucket stops swapping.
	MaxSequentialSwaps int `yaml:"max_sequential_swaps"`
	// ThrottleWindowMs/ThrottleLimit: sliding-window admission limit per
	// bucket. Zero limit disables the throttle.
	ThrottleWindowMs int `yaml:"throttle_window_ms"`
	ThrottleLimit    int `yaml:"throttle_limit"`
	// BucketIdleTTLSeconds: idle buckets older than this are evicted.
	BucketIdleTTLSeconds int `yaml:"bucket_idle_ttl_seconds"`
}

// AttachmentsConfig bounds the attachment pipeline.
type AttachmentsConfig struct {
	FFmpegPath          string `yaml:"ffmpeg_path"`
	MaxImageDimension   int    `yaml:"max_image_dimension"`
	MaxTextWords        int    `yaml:"max_text_words"`
	MaxArticleChars     int    `yaml:"max_article_chars"`
	MaxAudioSeconds     int    `yaml:"max_audio_seconds"`
	MaxVideoSeconds     int    `yaml:"max_video_seconds"`
	MaxVideoFPS         int    `yaml:"max_video_fps"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	MaxFetchBytes       int64  `yaml:"max_fetch_bytes"`
}

// TelegramConfig configures the chat-platform adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// OtelConfig configures tracing/metrics export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the full runtime configuration.
type Config struct {
	// RootDir holds the database, blobs, logs and deploy nonce.
	RootDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Otel        OtelConfig        `yaml:"otel"`

	// MaintenanceCron is a 5-field cron expression for background sweeps.
	MaintenanceCron string `yaml:"maintenance_cron"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			MaxSequentialSwaps:   2,
			ThrottleWindowMs:     int((1 * time.Minute).Milliseconds()),
			ThrottleLimit:        0,
			BucketIdleTTLSeconds: int((30 * time.Minute).Seconds()),
		},
		Attachments: AttachmentsConfig{
			FFmpegPath:          "ffmpeg",
			MaxImageDimension:   1024,
			MaxTextWords:        5000,
			MaxArticleChars:     20000,
			MaxAudioSeconds:     300,
			MaxVideoSeconds:     30,
			MaxVideoFPS:         10,
			FetchTimeoutSeconds: 30,
			MaxFetchBytes:       64 << 20,
		},
		MaintenanceCron: "*/10 * * * *",
	}
}

// RootDir resolves the data directory, honoring THREADLOOM_HOME.
func RootDir() string {
	if override := os.Getenv("THREADLOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".threadloom")
}

// ConfigPath returns the path of the yaml config inside rootDir.
func ConfigPath(rootDir string) string {
	return filepath.Join(rootDir, "config.yaml")
}

// Load reads the config from rootDir, applying defaults, environment
// overrides and normalization. A missing config.yaml is not an error.
func Load(rootDir string) (Config, error) {
	cfg := defaultConfig()
	if rootDir == "" {
		rootDir = RootDir()
	}
	cfg.RootDir = rootDir

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create threadloom root: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.RootDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("THREADLOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("THREADLOOM_FFMPEG"); v != "" {
		cfg.Attachments.FFmpegPath = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.RootDir, "data.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.MaxSequentialSwaps <= 0 {
		cfg.Scheduler.MaxSequentialSwaps = 2
	}
	if cfg.Scheduler.ThrottleWindowMs <= 0 {
		cfg.Scheduler.ThrottleWindowMs = int((1 * time.Minute).Milliseconds())
	}
	if cfg.Scheduler.BucketIdleTTLSeconds <= 0 {
		cfg.Scheduler.BucketIdleTTLSeconds = int((30 * time.Minute).Seconds())
	}
	a := &cfg.Attachments
	if a.FFmpegPath == "" {
		a.FFmpegPath = "ffmpeg"
	}
	if a.MaxImageDimension <= 0 {
		a.MaxImageDimension = 1024
	}
	if a.MaxTextWords <= 0 {
		a.MaxTextWords = 5000
	}
	if a.MaxArticleChars <= 0 {
		a.MaxArticleChars = 20000
	}
	if a.MaxAudioSeconds <= 0 {
		a.MaxAudioSeconds = 300
	}
	if a.MaxVideoSeconds <= 0 {
		a.MaxVideoSeconds = 30
	}
	if a.MaxVideoFPS <= 0 {
		a.MaxVideoFPS = 10
	}
	if a.FetchTimeoutSeconds <= 0 {
		a.FetchTimeoutSeconds = 30
	}
	if a.MaxFetchBytes <= 0 {
		a.MaxFetchBytes = 64 << 20
	}
	if strings.TrimSpace(cfg.MaintenanceCron) == "" {
		cfg.MaintenanceCron = "*/10 * * * *"
	}
}

func validate(cfg *Config) error {
	if cfg.Scheduler.ThrottleLimit < 0 {
		return fmt.Errorf("scheduler.throttle_limit must be >= 0, got %d", cfg.Scheduler.ThrottleLimit)
	}
	// An even cap is required by the video codec path; round down rather
	// than reject.
	if cfg.Attachments.MaxImageDimension%2 != 0 {
		cfg.Attachments.MaxImageDimension--
	}
	fields := strings.Fields(cfg.MaintenanceCron)
	if len(fields) != 5 {
		return fmt.Errorf("maintenance_cron must have 5 fields, got %q", cfg.MaintenanceCron)
	}
	return nil
}

// FilesDir returns the attachment blob root.
func (c Config) FilesDir() string {
	return filepath.Join(c.RootDir, "files")
}

// ScratchDir returns the transcoder scratch directory.
func (c Config) ScratchDir() string {
	return filepath.Join(c.RootDir, "scratch")
}

// NoncePath returns the deploy-nonce file path.
func (c Config) NoncePath() string {
	return filepath.Join(c.RootDir, ".deploy-nonce")
}

// ThrottleWindow returns the scheduler throttle window as a Duration.
func (c Config) ThrottleWindow() time.Duration {
	return time.Duration(c.Scheduler.ThrottleWindowMs) * time.Millisecond
}

// BucketIdleTTL returns the bucket eviction TTL as a Duration.
func (c Config) BucketIdleTTL() time.Duration {
	return time.Duration(c.Scheduler.BucketIdleTTLSeconds) * time.Second
}

// FetchTimeout returns the attachment fetch timeout as a Duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Attachments.FetchTimeoutSeconds) * time.Second
}
