package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all TravelDesk environment variables.
const EnvPrefix = "TRAVELDESK_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DBPath   string `yaml:"db_path"`

	IdleTimeout   string `yaml:"idle_timeout"`
	SweepInterval string `yaml:"sweep_interval"`

	ReplayGrace   string `yaml:"replay_grace"`
	ReplayBacklog int    `yaml:"replay_backlog"`

	DebounceWindow       string   `yaml:"debounce_window"`
	MinCompletenessDelta float64  `yaml:"min_completeness_delta"`
	HighValueFields      []string `yaml:"high_value_fields"`

	CollaboratorTimeout       string  `yaml:"collaborator_timeout"`
	MaxConcurrentExtractions  int     `yaml:"max_concurrent_extractions"`
	MaxConcurrentRecommenders int     `yaml:"max_concurrent_recommenders"`
	SegmentRateLimit          float64 `yaml:"segment_rate_limit"`

	ExtractionModel     string `yaml:"extraction_model"`
	RecommendationModel string `yaml:"recommendation_model"`
	ASRModel            string `yaml:"asr_model"`
	ASRLanguage         string `yaml:"asr_language"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		HTTPAddr:                  ":8080",
		DBPath:                    "data/traveldesk.db",
		IdleTimeout:               "2m",
		SweepInterval:             "30s",
		ReplayGrace:               "60s",
		ReplayBacklog:             256,
		DebounceWindow:            "2s",
		MinCompletenessDelta:      0.1,
		HighValueFields:           []string{"destinations", "budget", "travel_dates"},
		CollaboratorTimeout:       "30s",
		MaxConcurrentExtractions:  4,
		MaxConcurrentRecommenders: 2,
		SegmentRateLimit:          10,
		ExtractionModel:           "openai/gpt-4o-mini",
		RecommendationModel:       "openai/gpt-4o-mini",
		ASRModel:                  "nova-2",
		ASRLanguage:               "en-US",
		GoogleCredentialsFile:     "./service-account.json",
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

// ParsedIdleTimeout returns IdleTimeout as a time.Duration, falling back
// to 2m if the value is invalid.
func (c *Config) ParsedIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 2*time.Minute)
}

// ParsedSweepInterval returns SweepInterval as a time.Duration, falling
// back to 30s if the value is invalid.
func (c *Config) ParsedSweepInterval() time.Duration {
	return parseDuration(c.SweepInterval, 30*time.Second)
}

// ParsedReplayGrace returns ReplayGrace as a time.Duration, falling back
// to 60s if the value is invalid.
func (c *Config) ParsedReplayGrace() time.Duration {
	return parseDuration(c.ReplayGrace, 60*time.Second)
}

// ParsedDebounceWindow returns DebounceWindow as a time.Duration, falling
// back to 2s if the value is invalid.
func (c *Config) ParsedDebounceWindow() time.Duration {
	return parseDuration(c.DebounceWindow, 2*time.Second)
}

// ParsedCollaboratorTimeout returns CollaboratorTimeout as a
// time.Duration, falling back to 30s if the value is invalid.
func (c *Config) ParsedCollaboratorTimeout() time.Duration {
	return parseDuration(c.CollaboratorTimeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "IDLE_TIMEOUT"); v != "" {
		cfg.IdleTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv(EnvPrefix + "REPLAY_GRACE"); v != "" {
		cfg.ReplayGrace = v
	}
	if v := os.Getenv(EnvPrefix + "REPLAY_BACKLOG"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ReplayBacklog = n
		}
	}
	if v := os.Getenv(EnvPrefix + "DEBOUNCE_WINDOW"); v != "" {
		cfg.DebounceWindow = v
	}
	if v := os.Getenv(EnvPrefix + "MIN_COMPLETENESS_DELTA"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			cfg.MinCompletenessDelta = f
		}
	}
	if v := os.Getenv(EnvPrefix + "HIGH_VALUE_FIELDS"); v != "" {
		cfg.HighValueFields = parseList(v)
	}
	if v := os.Getenv(EnvPrefix + "COLLABORATOR_TIMEOUT"); v != "" {
		cfg.CollaboratorTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_CONCURRENT_EXTRACTIONS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.MaxConcurrentExtractions = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MAX_CONCURRENT_RECOMMENDERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.MaxConcurrentRecommenders = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SEGMENT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.SegmentRateLimit = f
		}
	}
	if v := os.Getenv(EnvPrefix + "EXTRACTION_MODEL"); v != "" {
		cfg.ExtractionModel = v
	}
	if v := os.Getenv(EnvPrefix + "RECOMMENDATION_MODEL"); v != "" {
		cfg.RecommendationModel = v
	}
	if v := os.Getenv(EnvPrefix + "ASR_MODEL"); v != "" {
		cfg.ASRModel = v
	}
	if v := os.Getenv(EnvPrefix + "ASR_LANGUAGE"); v != "" {
		cfg.ASRLanguage = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — audio transcription is disabled; only text-mode segments are accepted. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" {
		warnings = append(warnings, "No LLM API key configured — entity extraction and recommendations are disabled. Set "+EnvPrefix+"OPENAI_API_KEY, "+EnvPrefix+"ANTHROPIC_API_KEY or "+EnvPrefix+"GEMINI_API_KEY.")
	}
	for name, raw := range map[string]string{
		"idle_timeout":         cfg.IdleTimeout,
		"sweep_interval":       cfg.SweepInterval,
		"replay_grace":         cfg.ReplayGrace,
		"debounce_window":      cfg.DebounceWindow,
		"collaborator_timeout": cfg.CollaboratorTimeout,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using default.", name, raw))
		}
	}
	if cfg.MinCompletenessDelta < 0 || cfg.MinCompletenessDelta > 1 {
		warnings = append(warnings, fmt.Sprintf("min_completeness_delta %v out of [0,1] — using default 0.1.", cfg.MinCompletenessDelta))
		cfg.MinCompletenessDelta = 0.1
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
