package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all voice-bridge environment variables.
const EnvPrefix = "VOICE_BRIDGE_"

const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

// Preset is one summarization prompt the router can pick for a conversation.
type Preset struct {
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
	Model        string `yaml:"model"`
}

type Summarization struct {
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets"`
}

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr        string   `yaml:"listen_addr"`
	BackendURL        string   `yaml:"backend_url"`
	Transport         string   `yaml:"transport"`
	WSURL             string   `yaml:"ws_url"`
	ICEServers        []string `yaml:"ice_servers"`
	ConnectTimeout    string   `yaml:"connect_timeout"`
	BotRequestTimeout string   `yaml:"bot_request_timeout"`
	AutoActivate      bool     `yaml:"auto_activate"`
	IdleTimeout       string   `yaml:"idle_timeout"`

	MicEnabled     bool   `yaml:"mic_enabled"`
	MicSampleRate  int    `yaml:"mic_sample_rate"`
	MicSampleRates []int  `yaml:"mic_sample_rates"`
	RecordAudio    bool   `yaml:"record_audio"`
	AudioDir       string `yaml:"audio_dir"`

	DBPath        string        `yaml:"db_path"`
	TranscriptDir string        `yaml:"transcript_dir"`
	Summarization Summarization `yaml:"summarization"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Secrets, env vars only.
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	BackendToken    string `yaml:"-"`
}

const defaultSystemPrompt = "Summarize the following voice assistant conversation concisely in markdown. Include what the user asked for, what the assistant answered, and any follow-ups that were left open."

func defaults() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		BackendURL:        "http://localhost:7860",
		Transport:         TransportWebSocket,
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		ConnectTimeout:    "15s",
		BotRequestTimeout: "30s",
		IdleTimeout:       "0s",
		MicEnabled:        true,
		MicSampleRate:     16000,
		MicSampleRates:    []int{48000, 44100, 32000, 24000},
		AudioDir:          "data/audio",
		DBPath:            "data/voice-bridge.db",
		TranscriptDir:     "data/transcripts",
		Summarization: Summarization{
			Model: "openai/gpt-4o-mini",
			Presets: map[string]Preset{
				"default": {
					Description:  "general conversation with the assistant",
					SystemPrompt: defaultSystemPrompt,
					UserTemplate: "Conversation on {{date}}:\n\n{{transcript}}",
				},
			},
		},
		GoogleCredentialsFile: "./service-account.json",
		LogLevel:              "info",
		LogFormat:             "text",
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

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ParsedConnectTimeout returns ConnectTimeout, falling back to 15s.
func (c *Config) ParsedConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 15*time.Second)
}

func (c *Config) ParsedBotRequestTimeout() time.Duration {
	return parseDuration(c.BotRequestTimeout, 30*time.Second)
}

// ParsedIdleTimeout returns IdleTimeout; zero disables idle disconnects.
func (c *Config) ParsedIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 0)
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// APIKey returns the secret for an LLM provider name.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	str := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"BACKEND_URL":             &cfg.BackendURL,
		"TRANSPORT":               &cfg.Transport,
		"WS_URL":                  &cfg.WSURL,
		"CONNECT_TIMEOUT":         &cfg.ConnectTimeout,
		"BOT_REQUEST_TIMEOUT":     &cfg.BotRequestTimeout,
		"IDLE_TIMEOUT":            &cfg.IdleTimeout,
		"AUDIO_DIR":               &cfg.AudioDir,
		"DB_PATH":                 &cfg.DBPath,
		"TRANSCRIPT_DIR":          &cfg.TranscriptDir,
		"SUMMARY_MODEL":           &cfg.Summarization.Model,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"LOG_LEVEL":               &cfg.LogLevel,
		"LOG_FORMAT":              &cfg.LogFormat,
	}
	for key, dst := range str {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"AUTO_ACTIVATE": &cfg.AutoActivate,
		"MIC_ENABLED":   &cfg.MicEnabled,
		"RECORD_AUDIO":  &cfg.RecordAudio,
	}
	for key, dst := range flags {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	if v := os.Getenv(EnvPrefix + "ICE_SERVERS"); v != "" {
		cfg.ICEServers = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.BackendToken = os.Getenv(EnvPrefix + "BACKEND_TOKEN")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Transport {
	case TransportWebSocket, TransportWebRTC:
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown transport %q, using %s.", cfg.Transport, TransportWebSocket))
		cfg.Transport = TransportWebSocket
	}

	durations := []struct {
		key, value, fallback string
	}{
		{"connect_timeout", cfg.ConnectTimeout, "15s"},
		{"bot_request_timeout", cfg.BotRequestTimeout, "30s"},
		{"idle_timeout", cfg.IdleTimeout, "0s (disabled)"},
	}
	for _, d := range durations {
		if parsed, err := time.ParseDuration(d.value); err != nil || parsed < 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q, using default %s.", d.key, d.value, d.fallback))
		}
	}

	if len(cfg.Summarization.Presets) == 0 {
		warnings = append(warnings, "No summarization presets configured, session summaries are disabled.")
	} else if provider, _, ok := strings.Cut(cfg.Summarization.Model, "/"); !ok {
		warnings = append(warnings, fmt.Sprintf("Invalid summarization model %q, expected provider/model.", cfg.Summarization.Model))
	} else if cfg.APIKey(provider) == "" {
		warnings = append(warnings, fmt.Sprintf("%s API key not configured, session summaries are disabled. Set %s_API_KEY.", provider, strings.ToUpper(provider)))
	}

	if cfg.GDriveFolderID != "" {
		if _, err := os.Stat(cfg.GoogleCredentialsFile); err != nil {
			warnings = append(warnings, fmt.Sprintf("Google credentials file %q not readable, Drive export is disabled.", cfg.GoogleCredentialsFile))
		}
	}

	return warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
