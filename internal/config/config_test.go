package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_ADDR", "DB_PATH", "IDLE_TIMEOUT", "SWEEP_INTERVAL",
		"REPLAY_GRACE", "REPLAY_BACKLOG", "DEBOUNCE_WINDOW",
		"MIN_COMPLETENESS_DELTA", "HIGH_VALUE_FIELDS",
		"COLLABORATOR_TIMEOUT", "MAX_CONCURRENT_EXTRACTIONS",
		"MAX_CONCURRENT_RECOMMENDERS", "SEGMENT_RATE_LIMIT",
		"EXTRACTION_MODEL", "RECOMMENDATION_MODEL",
		"ASR_MODEL", "ASR_LANGUAGE",
		"GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE",
		"DEEPGRAM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GEMINI_API_KEY", "CONFIG",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http_addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/traveldesk.db" {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.DebounceWindow != "2s" {
		t.Fatalf("expected default debounce_window, got %q", cfg.DebounceWindow)
	}
	if cfg.MinCompletenessDelta != 0.1 {
		t.Fatalf("expected default min_completeness_delta 0.1, got %v", cfg.MinCompletenessDelta)
	}
	if cfg.ExtractionModel != "openai/gpt-4o-mini" {
		t.Fatalf("expected default extraction_model, got %q", cfg.ExtractionModel)
	}
	if cfg.ASRModel != "nova-2" {
		t.Fatalf("expected default asr_model, got %q", cfg.ASRModel)
	}
	if !reflect.DeepEqual(cfg.HighValueFields, []string{"destinations", "budget", "travel_dates"}) {
		t.Fatalf("expected default high_value_fields, got %v", cfg.HighValueFields)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
http_addr: :9090
db_path: /custom/db.sqlite
idle_timeout: 5m
debounce_window: 500ms
min_completeness_delta: 0.25
high_value_fields: [destinations, budget]
extraction_model: anthropic/claude-sonnet-4-20250514
asr_model: nova-3
gdrive_folder_id: my-folder
google_credentials_file: /path/to/creds.json
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected yaml http_addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "/custom/db.sqlite" {
		t.Fatalf("expected yaml db_path, got %q", cfg.DBPath)
	}
	if cfg.IdleTimeout != "5m" {
		t.Fatalf("expected yaml idle_timeout, got %q", cfg.IdleTimeout)
	}
	if cfg.DebounceWindow != "500ms" {
		t.Fatalf("expected yaml debounce_window, got %q", cfg.DebounceWindow)
	}
	if cfg.MinCompletenessDelta != 0.25 {
		t.Fatalf("expected yaml min_completeness_delta, got %v", cfg.MinCompletenessDelta)
	}
	if !reflect.DeepEqual(cfg.HighValueFields, []string{"destinations", "budget"}) {
		t.Fatalf("expected yaml high_value_fields, got %v", cfg.HighValueFields)
	}
	if cfg.ExtractionModel != "anthropic/claude-sonnet-4-20250514" {
		t.Fatalf("expected yaml extraction_model, got %q", cfg.ExtractionModel)
	}
	if cfg.ASRModel != "nova-3" {
		t.Fatalf("expected yaml asr_model, got %q", cfg.ASRModel)
	}
	if cfg.GDriveFolderID != "my-folder" {
		t.Fatalf("expected yaml gdrive_folder_id, got %q", cfg.GDriveFolderID)
	}
	if cfg.GoogleCredentialsFile != "/path/to/creds.json" {
		t.Fatalf("expected yaml google_credentials_file, got %q", cfg.GoogleCredentialsFile)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /from/yaml
extraction_model: model-yaml
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"EXTRACTION_MODEL", "model-env")
	t.Setenv(EnvPrefix+"HIGH_VALUE_FIELDS", "budget, destinations,budget")

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.ExtractionModel != "model-env" {
		t.Fatalf("expected env override for extraction_model, got %q", cfg.ExtractionModel)
	}
	if !reflect.DeepEqual(cfg.HighValueFields, []string{"budget", "destinations"}) {
		t.Fatalf("expected deduplicated env high_value_fields, got %v", cfg.HighValueFields)
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "oai-secret")
	t.Setenv(EnvPrefix+"ANTHROPIC_API_KEY", "ant-secret")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "dg-secret" {
		t.Fatalf("expected deepgram key from env, got %q", cfg.DeepgramAPIKey)
	}
	if cfg.OpenAIAPIKey != "oai-secret" {
		t.Fatalf("expected openai key from env, got %q", cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "ant-secret" {
		t.Fatalf("expected anthropic key from env, got %q", cfg.AnthropicAPIKey)
	}
}

func TestSecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
deepgram_api_key: should-be-ignored
openai_api_key: also-ignored
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "" {
		t.Fatalf("expected empty deepgram key (yaml should be ignored), got %q", cfg.DeepgramAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected empty openai key (yaml should be ignored), got %q", cfg.OpenAIAPIKey)
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var deepgramWarning, llmWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "Deepgram") {
			deepgramWarning = true
		}
		if strings.Contains(w, "LLM") {
			llmWarning = true
		}
	}

	if !deepgramWarning {
		t.Fatalf("expected Deepgram warning when key is missing, got warnings: %v", warnings)
	}
	if !llmWarning {
		t.Fatalf("expected LLM warning when no key is configured, got warnings: %v", warnings)
	}
}

func TestValidationNoWarningsWhenConfigured(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 0 {
		t.Fatalf("expected no warnings when fully configured, got: %v", warnings)
	}
}

func TestInvalidDurationWarning(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"DEBOUNCE_WINDOW", "not-a-duration")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "debounce_window") {
		t.Fatalf("expected debounce_window warning, got: %v", warnings)
	}

	if cfg.ParsedDebounceWindow() != 2*time.Second {
		t.Fatalf("expected fallback to 2s, got %v", cfg.ParsedDebounceWindow())
	}
}

func TestCompletenessDeltaOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"MIN_COMPLETENESS_DELTA", "1.5")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "min_completeness_delta") {
		t.Fatalf("expected min_completeness_delta warning, got: %v", warnings)
	}
	if cfg.MinCompletenessDelta != 0.1 {
		t.Fatalf("expected fallback delta 0.1, got %v", cfg.MinCompletenessDelta)
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for missing config file, got: %v", err)
	}

	if cfg.DBPath != "data/traveldesk.db" {
		t.Fatalf("expected defaults when config file missing, got db_path=%q", cfg.DBPath)
	}
}

func TestInvalidConfigFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(":::invalid yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)

	_, _, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestParseList(t *testing.T) {
	got := parseList(" budget,  ,destinations,budget ")
	want := []string{"budget", "destinations"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected parsed list: got=%v want=%v", got, want)
	}
}

func TestParsedDurations(t *testing.T) {
	cfg := defaults()
	cfg.IdleTimeout = "90s"
	cfg.CollaboratorTimeout = "garbage"

	if cfg.ParsedIdleTimeout() != 90*time.Second {
		t.Fatalf("expected 90s idle timeout, got %v", cfg.ParsedIdleTimeout())
	}
	if cfg.ParsedCollaboratorTimeout() != 30*time.Second {
		t.Fatalf("expected 30s fallback collaborator timeout, got %v", cfg.ParsedCollaboratorTimeout())
	}
	if cfg.ParsedSweepInterval() != 30*time.Second {
		t.Fatalf("expected default sweep interval, got %v", cfg.ParsedSweepInterval())
	}
	if cfg.ParsedReplayGrace() != 60*time.Second {
		t.Fatalf("expected default replay grace, got %v", cfg.ParsedReplayGrace())
	}
}
