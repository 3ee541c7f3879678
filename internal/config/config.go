package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	DataDir         string `env:"DATA_DIR"`
	DatabasePath    string `env:"DATABASE_PATH"`
	AudioDir        string `env:"AUDIO_DIR"`
	ModelsDir       string `env:"MODELS_DIR"`
	RuntimeDir      string `env:"RUNTIME_DIR"`
	LogDir          string `env:"LOG_DIR"`
	RuntimeManifest string `env:"RUNTIME_MANIFEST"`
	PackageIndexURL string `env:"PACKAGE_INDEX_URL" envDefault:"https://pypi.org/pypi"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:"127.0.0.1:8765"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string   `env:"AUTH_TOKEN"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFileMaxMB   int    `env:"LOG_FILE_MAX_MB" envDefault:"20"`
	LogFileBackups int    `env:"LOG_FILE_BACKUPS" envDefault:"5"`

	FFmpegPath        string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	CaptureSampleRate int    `env:"CAPTURE_SAMPLE_RATE" envDefault:"48000"`

	WhisperServerBin        string        `env:"WHISPER_SERVER_BIN"`
	WhisperURL              string        `env:"WHISPER_URL"`
	LlamaServerBin          string        `env:"LLAMA_SERVER_BIN"`
	LlamaURL                string        `env:"LLAMA_URL"`
	InferenceStartupTimeout time.Duration `env:"INFERENCE_STARTUP_TIMEOUT" envDefault:"60s"`
	ASRWindow               time.Duration `env:"ASR_WINDOW" envDefault:"5m"`

	Workers   int `env:"WORKERS" envDefault:"2"`
	QueueSize int `env:"QUEUE_SIZE" envDefault:"16"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"meeting-notes"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"meeting-notes"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DataDir      string
	DatabasePath string
	AudioDir     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.DatabasePath != "" {
		cfg.DatabasePath = overrides.DatabasePath
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}

	if err := cfg.resolveDirs(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveDirs fills unset paths below DataDir.
func (c *Config) resolveDirs() error {
	if c.DataDir == "" {
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("resolve data dir: %w", err)
			}
			base = dir
		}
		c.DataDir = filepath.Join(base, "meeting-notes")
	}
	def := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	def(&c.DatabasePath, "meeting-notes.db")
	def(&c.AudioDir, "audio")
	def(&c.ModelsDir, "models")
	def(&c.RuntimeDir, "runtime")
	def(&c.LogDir, "logs")
	return nil
}

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be >= 1, got %d", c.QueueSize)
	}
	if c.CaptureSampleRate < 8000 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be >= 8000, got %d", c.CaptureSampleRate)
	}
	return nil
}

// EnsureDirs creates every data directory.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Dir(c.DatabasePath), c.AudioDir, c.ModelsDir, c.RuntimeDir, c.LogDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}
