package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           int           `yaml:"port"`
	DatabaseURL    string        `yaml:"database_url"`
	NatsURL        string        `yaml:"nats_url"`
	AudioDir       string        `yaml:"audio_dir"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`

	TranscribeURL           string        `yaml:"transcribe_url"`
	TranscribeAPIKey        string        `yaml:"transcribe_api_key"`
	TranscribeModel         string        `yaml:"transcribe_model"`
	TranscribeTimeout       time.Duration `yaml:"transcribe_timeout"`
	TranscribeLanguage      string        `yaml:"transcribe_language"`
	TranscribeMaxRetries    int           `yaml:"transcribe_max_retries"`
	TranscribeMaxConcurrent int           `yaml:"transcribe_max_concurrent"`

	OllamaHost        string        `yaml:"ollama_host"`
	OllamaModel       string        `yaml:"ollama_model"`
	SummaryTimeout    time.Duration `yaml:"summary_timeout"`
	SummaryInputLimit int           `yaml:"summary_input_limit"`

	NotifyURL         string        `yaml:"notify_url"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout"`
	SlackBotToken     string        `yaml:"slack_bot_token"`
	SlackAlertChannel string        `yaml:"slack_alert_channel"`

	MinFragmentBytes  int64  `yaml:"min_fragment_bytes"`
	SampleRate        int    `yaml:"sample_rate"`
	FFmpegPath        string `yaml:"ffmpeg_path"`
	PipelineWorkers   int    `yaml:"pipeline_workers"`
	PipelineQueueSize int    `yaml:"pipeline_queue_size"`
}

func defaults() Config {
	return Config{
		Port:           8000,
		AudioDir:       "./audio_chunks",
		LogLevel:       "info",
		LogFormat:      "json",
		RequestTimeout: 30 * time.Second,
		MaxUploadBytes: 10 << 20,

		TranscribeURL:           "http://whisper:9000/v1/audio/transcriptions",
		TranscribeModel:         "whisper-1",
		TranscribeTimeout:       10 * time.Minute,
		TranscribeLanguage:      "ko",
		TranscribeMaxRetries:    2,
		TranscribeMaxConcurrent: 2,

		OllamaHost:        "http://127.0.0.1:11434",
		OllamaModel:       "qwen2.5:3b-instruct-q4_K_M",
		SummaryTimeout:    5 * time.Minute,
		SummaryInputLimit: 8000,

		NotifyTimeout: 10 * time.Second,

		MinFragmentBytes:  1024,
		SampleRate:        22050,
		FFmpegPath:        "ffmpeg",
		PipelineWorkers:   2,
		PipelineQueueSize: 64,
	}
}

// Load returns the defaults overridden by environment variables.
func Load() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults; environment variables still
// take precedence over the file.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = envInt("MINUTES_PORT", c.Port)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.NatsURL = envStr("NATS_URL", c.NatsURL)
	c.AudioDir = envStr("AUDIO_DIR", c.AudioDir)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("LOG_FORMAT", c.LogFormat)
	c.RequestTimeout = envDurationMs("REQUEST_TIMEOUT_MS", c.RequestTimeout)
	c.MaxUploadBytes = int64(envInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))

	c.TranscribeURL = envStr("TRANSCRIBE_URL", c.TranscribeURL)
	c.TranscribeAPIKey = envStr("TRANSCRIBE_API_KEY", c.TranscribeAPIKey)
	c.TranscribeModel = envStr("TRANSCRIBE_MODEL", c.TranscribeModel)
	c.TranscribeTimeout = envDurationMs("TRANSCRIBE_TIMEOUT_MS", c.TranscribeTimeout)
	c.TranscribeLanguage = envStr("TRANSCRIBE_LANGUAGE", c.TranscribeLanguage)
	c.TranscribeMaxRetries = envInt("TRANSCRIBE_MAX_RETRIES", c.TranscribeMaxRetries)
	c.TranscribeMaxConcurrent = envInt("TRANSCRIBE_MAX_CONCURRENT", c.TranscribeMaxConcurrent)

	c.OllamaHost = envStr("OLLAMA_HOST", c.OllamaHost)
	c.OllamaModel = envStr("OLLAMA_MODEL", c.OllamaModel)
	c.SummaryTimeout = envDurationMs("SUMMARY_TIMEOUT_MS", c.SummaryTimeout)
	c.SummaryInputLimit = envInt("SUMMARY_INPUT_LIMIT", c.SummaryInputLimit)

	c.NotifyURL = envStr("NOTIFY_URL", c.NotifyURL)
	c.NotifyTimeout = envDurationMs("NOTIFY_TIMEOUT_MS", c.NotifyTimeout)
	c.SlackBotToken = envStr("SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackAlertChannel = envStr("SLACK_ALERT_CHANNEL", c.SlackAlertChannel)

	c.MinFragmentBytes = int64(envInt("MIN_FRAGMENT_BYTES", int(c.MinFragmentBytes)))
	c.SampleRate = envInt("SAMPLE_RATE", c.SampleRate)
	c.FFmpegPath = envStr("FFMPEG_PATH", c.FFmpegPath)
	c.PipelineWorkers = envInt("PIPELINE_WORKERS", c.PipelineWorkers)
	c.PipelineQueueSize = envInt("PIPELINE_QUEUE_SIZE", c.PipelineQueueSize)
}

// Validate reports every out-of-range value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.AudioDir == "" {
		errs = append(errs, errors.New("audio_dir is required"))
	}
	if c.TranscribeURL == "" {
		errs = append(errs, errors.New("transcribe_url is required"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.MinFragmentBytes < 0 {
		errs = append(errs, fmt.Errorf("min_fragment_bytes must not be negative, got %d", c.MinFragmentBytes))
	}
	if c.PipelineWorkers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline_workers must be positive, got %d", c.PipelineWorkers))
	}
	if c.PipelineQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline_queue_size must be positive, got %d", c.PipelineQueueSize))
	}
	if c.SummaryInputLimit <= 0 {
		errs = append(errs, fmt.Errorf("summary_input_limit must be positive, got %d", c.SummaryInputLimit))
	}
	if c.SummaryTimeout <= c.RequestTimeout {
		errs = append(errs, fmt.Errorf("summary_timeout %s must exceed request_timeout %s", c.SummaryTimeout, c.RequestTimeout))
	}
	if (c.SlackBotToken == "") != (c.SlackAlertChannel == "") {
		errs = append(errs, errors.New("slack_bot_token and slack_alert_channel must be set together"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
