package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MimeLyc/transcribe-worker/pkg/icron"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// Config holds all worker configuration.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, the TOML file named by CONFIG_FILE, the .env file,
// the process environment.
//
// Environment Variables:
// Model:
// - MODEL_ID: whisper.cpp model name or path to a ggml file (default: base)
// - MODEL_DIR: directory holding ggml-<id>.bin files (default: /models)
// - MODEL_DEVICE: cpu, cuda or cuda:N (default: cpu)
// - MODEL_LANGUAGE: spoken language as a BCP 47 tag, or auto (default: auto)
// - MODEL_THREADS: decoder threads, 0 lets whisper decide (default: 0)
// - WHISPER_BIN: whisper.cpp CLI (default: whisper-cli)
//
// Conversion:
// - FFMPEG_BIN: (default: ffmpeg)
// - FFPROBE_BIN: set to "off" to skip the audio stream check (default: ffprobe)
// - CONVERT_TIMEOUT: hard deadline for one conversion (default: 10m)
//
// Fetching:
// - FETCH_TIMEOUT: (default: 5m)
// - FETCH_MAX_BYTES: download size cap, 0 disables it (default: 512 MiB)
// - S3_REGION, S3_ENDPOINT: for s3:// sources
//
// Workers and scratch space:
// - WORKER_COUNT: parallel worker contexts, one model each (default: 1)
// - MAX_JOBS: job records kept in memory and in the store (default: 1000)
// - SCRATCH_DIR: workspace root (default: <DATA_DIR>/scratch)
// - SWEEP_CRON: schedule of the stale workspace sweep and event log trim, "off" disables (default: @hourly)
// - SWEEP_MAX_AGE: workspace age considered abandoned (default: 6h)
//
// Reporting:
// - REDIS_URL: broker to mirror job state into, empty disables (default: "")
// - REDIS_KEY_TTL: expiry of job.<id> keys (default: 24h)
//
// System:
// - DATA_DIR: (default: /app/data)
// - HTTP_ADDR: (default: :8080)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FILE: also write logs to this file (default: "")
// - EVENT_RETENTION: age after which job events are trimmed on the sweep schedule, 0 keeps them (default: 168h)
type Config struct {
	Model     ModelConfig
	Convert   ConvertConfig
	Fetch     FetchConfig
	Worker    WorkerConfig
	Workspace WorkspaceConfig
	Redis     RedisConfig
	S3        S3Config
	HTTP      HTTPConfig
	System    SystemConfig
}

type ModelConfig struct {
	ID     string
	Dir    string
	Device string
	// Language is language.Und when the model should detect it.
	Language   language.Tag
	Threads    int
	WhisperBin string
}

type ConvertConfig struct {
	FFmpegBin string
	// FFprobeBin is empty when probing is disabled.
	FFprobeBin string
	Timeout    time.Duration
}

type FetchConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

type WorkerConfig struct {
	Count   int
	MaxJobs int
}

type WorkspaceConfig struct {
	Root      string
	SweepCron string
	MaxAge    time.Duration
}

type RedisConfig struct {
	URL    string
	KeyTTL time.Duration
}

type S3Config struct {
	Region   string
	Endpoint string
}

type HTTPConfig struct {
	Addr string
}

type SystemConfig struct {
	DataDir        string
	LogLevel       string
	LogFile        string
	EventRetention time.Duration
}

func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "transcribe.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadOptions names the files consulted besides the environment. Empty
// ConfigFile falls back to CONFIG_FILE; empty EnvFile means ".env".
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

// NewFromEnv loads configuration from the default locations.
func NewFromEnv(opts ...Option) (*Config, error) {
	return Load(LoadOptions{}, opts...)
}

func Load(lo LoadOptions, opts ...Option) (*Config, error) {
	src := &source{}

	envFile := lo.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := readDotEnv(envFile)
	if err != nil {
		return nil, err
	}
	if dotenv != nil {
		src.layers = append(src.layers, dotenv)
	}

	configFile := lo.ConfigFile
	if configFile == "" {
		configFile = src.getEnvString("CONFIG_FILE", "")
	}
	if configFile != "" {
		fileValues, err := readTOML(configFile)
		if err != nil {
			return nil, err
		}
		src.layers = append(src.layers, fileValues)
	}

	dataDir := src.getEnvString("DATA_DIR", "/app/data")
	config := &Config{
		Model: ModelConfig{
			ID:         src.getEnvString("MODEL_ID", "base"),
			Dir:        src.getEnvString("MODEL_DIR", "/models"),
			Device:     src.getEnvString("MODEL_DEVICE", "cpu"),
			Threads:    src.getEnvInt("MODEL_THREADS", 0),
			WhisperBin: src.getEnvString("WHISPER_BIN", "whisper-cli"),
		},
		Convert: ConvertConfig{
			FFmpegBin:  src.getEnvString("FFMPEG_BIN", "ffmpeg"),
			FFprobeBin: src.getEnvString("FFPROBE_BIN", "ffprobe"),
			Timeout:    src.getEnvDuration("CONVERT_TIMEOUT", 10*time.Minute),
		},
		Fetch: FetchConfig{
			Timeout:  src.getEnvDuration("FETCH_TIMEOUT", 5*time.Minute),
			MaxBytes: src.getEnvInt64("FETCH_MAX_BYTES", 512<<20),
		},
		Worker: WorkerConfig{
			Count:   src.getEnvInt("WORKER_COUNT", 1),
			MaxJobs: src.getEnvInt("MAX_JOBS", 1000),
		},
		Workspace: WorkspaceConfig{
			Root:      src.getEnvString("SCRATCH_DIR", filepath.Join(dataDir, "scratch")),
			SweepCron: src.getEnvString("SWEEP_CRON", "@hourly"),
			MaxAge:    src.getEnvDuration("SWEEP_MAX_AGE", 6*time.Hour),
		},
		Redis: RedisConfig{
			URL:    src.getEnvString("REDIS_URL", ""),
			KeyTTL: src.getEnvDuration("REDIS_KEY_TTL", 24*time.Hour),
		},
		S3: S3Config{
			Region:   src.getEnvString("S3_REGION", ""),
			Endpoint: src.getEnvString("S3_ENDPOINT", ""),
		},
		HTTP: HTTPConfig{
			Addr: src.getEnvString("HTTP_ADDR", ":8080"),
		},
		System: SystemConfig{
			DataDir:        dataDir,
			LogLevel:       src.getEnvString("LOG_LEVEL", "info"),
			LogFile:        src.getEnvString("LOG_FILE", ""),
			EventRetention: src.getEnvDuration("EVENT_RETENTION", 7*24*time.Hour),
		},
	}
	if strings.EqualFold(config.Convert.FFprobeBin, "off") {
		config.Convert.FFprobeBin = ""
	}
	if strings.EqualFold(config.Workspace.SweepCron, "off") {
		config.Workspace.SweepCron = ""
	}

	rawLang := src.getEnvString("MODEL_LANGUAGE", "auto")
	if rawLang != "" && !strings.EqualFold(rawLang, "auto") {
		tag, err := language.Parse(rawLang)
		if err != nil {
			src.errs = append(src.errs, fmt.Errorf("MODEL_LANGUAGE: %w", err))
		}
		config.Model.Language = tag
	}

	if len(src.errs) > 0 {
		return nil, errors.Join(src.errs...)
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: model=%s device=%s workers=%d scratch=%s", config.Model.ID, config.Model.Device, config.Worker.Count, config.Workspace.Root)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Model.ID) == "" {
		errs = append(errs, fmt.Errorf("MODEL_ID is required"))
	}
	if c.Convert.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("CONVERT_TIMEOUT must be positive"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive"))
	}
	if c.Fetch.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("FETCH_MAX_BYTES must not be negative"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be at least 1"))
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, fmt.Errorf("SCRATCH_DIR is required"))
	}
	if c.Workspace.SweepCron != "" {
		if _, err := icron.Parse(c.Workspace.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_CRON: %w", err))
		}
		if c.Workspace.MaxAge <= 0 {
			errs = append(errs, fmt.Errorf("SWEEP_MAX_AGE must be positive"))
		}
	}
	if c.System.EventRetention < 0 {
		errs = append(errs, fmt.Errorf("EVENT_RETENTION must not be negative"))
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, fmt.Errorf("REDIS_URL must use the redis:// or rediss:// scheme"))
	}
	return errors.Join(errs...)
}
