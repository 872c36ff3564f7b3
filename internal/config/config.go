package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all caption-relay environment variables.
const EnvPrefix = "CAPTION_RELAY_"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	ProviderDeepgram = "deepgram"
	ProviderOpenAI   = "openai"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultFinishTimeout  = 10 * time.Second
	defaultOpenAIChunk    = 5 * time.Second
	defaultSendBuffer     = 64
)

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	HealthInterval string   `yaml:"health_interval"`
	FinishTimeout  string   `yaml:"finish_timeout"`
	SendBuffer     int      `yaml:"send_buffer"`
	Store          string   `yaml:"store"`
	SQLiteDSN      string   `yaml:"sqlite_dsn"`
	STTProvider    string   `yaml:"stt_provider"`
	DeepgramModel  string   `yaml:"deepgram_model"`
	Language       string   `yaml:"language"`
	OpenAIModel    string   `yaml:"openai_model"`
	OpenAIChunk    string   `yaml:"openai_chunk"`

	// Secrets: env vars only, never serialized to YAML.
	DeepgramAPIKey string `yaml:"-"`
	OpenAIAPIKey   string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		LogLevel:       "info",
		LogFormat:      "json",
		HealthInterval: "30s",
		FinishTimeout:  "10s",
		SendBuffer:     defaultSendBuffer,
		Store:          StoreMemory,
		STTProvider:    ProviderDeepgram,
		DeepgramModel:  "nova-2",
		Language:       "en-US",
		OpenAIModel:    "whisper-1",
		OpenAIChunk:    "5s",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedHealthInterval returns HealthInterval as a time.Duration,
// falling back to 30s if the value is invalid.
func (c *Config) ParsedHealthInterval() time.Duration {
	return parsePositive(c.HealthInterval, defaultHealthInterval)
}

// ParsedFinishTimeout bounds how long a closing relay session waits for the
// provider to flush trailing results.
func (c *Config) ParsedFinishTimeout() time.Duration {
	return parsePositive(c.FinishTimeout, defaultFinishTimeout)
}

func (c *Config) ParsedOpenAIChunk() time.Duration {
	return parsePositive(c.OpenAIChunk, defaultOpenAIChunk)
}

func parsePositive(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv(EnvPrefix + "HEALTH_INTERVAL"); v != "" {
		cfg.HealthInterval = v
	}
	if v := os.Getenv(EnvPrefix + "FINISH_TIMEOUT"); v != "" {
		cfg.FinishTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	if v := os.Getenv(EnvPrefix + "STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv(EnvPrefix + "SQLITE_DSN"); v != "" {
		cfg.SQLiteDSN = v
	}
	if v := os.Getenv(EnvPrefix + "STT_PROVIDER"); v != "" {
		cfg.STTProvider = v
	}
	if v := os.Getenv(EnvPrefix + "DEEPGRAM_MODEL"); v != "" {
		cfg.DeepgramModel = v
	}
	if v := os.Getenv(EnvPrefix + "LANGUAGE"); v != "" {
		cfg.Language = v
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_CHUNK"); v != "" {
		cfg.OpenAIChunk = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown store %q, using %s.", cfg.Store, StoreMemory))
		cfg.Store = StoreMemory
	}

	cfg.STTProvider = strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	switch cfg.STTProvider {
	case ProviderDeepgram:
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured, audio relay sessions will fail to connect. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured, audio relay sessions will fail to transcribe. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown stt_provider %q, using %s.", cfg.STTProvider, ProviderDeepgram))
		cfg.STTProvider = ProviderDeepgram
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured, audio relay sessions will fail to connect. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	}

	durations := []struct {
		name     string
		value    string
		fallback time.Duration
	}{
		{"health_interval", cfg.HealthInterval, defaultHealthInterval},
		{"finish_timeout", cfg.FinishTimeout, defaultFinishTimeout},
		{"openai_chunk", cfg.OpenAIChunk, defaultOpenAIChunk},
	}
	for _, d := range durations {
		if parsed, err := time.ParseDuration(d.value); err != nil || parsed <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q, using default %s.", d.name, d.value, d.fallback))
		}
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	return warnings
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}

	return result
}
