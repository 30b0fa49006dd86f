// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Run gate backends.
const (
	GateLocal = "local"
	GateRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	SessionStore   string
	DBPath         string

	Gate      GateConfig
	Assistant AssistantConfig
	Retry     RetryConfig
	Voice     VoiceConfig
	Callback  CallbackConfig

	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration
	KeepaliveInterval    time.Duration
	MaxRequestBodySize   int64
	RateLimitRPS         float64
	RateLimitBurst       int
	ActionsFile          string
	LogDebug             bool
}

// GateConfig selects the run gate backend.
type GateConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseTTL      time.Duration
}

// AssistantConfig configures the remote assistant.
type AssistantConfig struct {
	APIKey       string
	AssistantID  string
	BaseURL      string
	PollInterval time.Duration
	StallTimeout time.Duration
}

// RetryConfig bounds retries of transient upstream failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// VoiceConfig holds speech provider credentials.
type VoiceConfig struct {
	DeepgramAPIKey   string
	ElevenLabsAPIKey string
	ElevenLabsVoice  string
}

// CallbackConfig points at the phone callback dispatcher.
type CallbackConfig struct {
	URL    string
	APIKey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontendURL := getEnv("FRONTEND_URL", "")
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    frontendURL,
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", defaultOrigins(frontendURL)),
		SessionStore:   strings.ToLower(getEnv("SESSION_STORE", StoreSQLite)),
		DBPath:         getEnv("DB_PATH", "./data/showroom.db"),
		Gate: GateConfig{
			Backend:       strings.ToLower(getEnv("GATE_BACKEND", GateLocal)),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			LeaseTTL:      getEnvDuration("GATE_LEASE_TTL", 2*time.Minute),
		},
		Assistant: AssistantConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			AssistantID:  getEnv("OPENAI_ASSISTANT_ID", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			PollInterval: getEnvDuration("RUN_POLL_INTERVAL", 500*time.Millisecond),
			StallTimeout: getEnvDuration("RUN_STALL_TIMEOUT", 45*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 4),
			InitialBackoff: getEnvDuration("RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:     getEnvDuration("RETRY_MAX_BACKOFF", 5*time.Second),
		},
		Voice: VoiceConfig{
			DeepgramAPIKey:   getEnv("DEEPGRAM_API_KEY", ""),
			ElevenLabsAPIKey: getEnv("ELEVENLABS_API_KEY", ""),
			ElevenLabsVoice:  getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		},
		Callback: CallbackConfig{
			URL:    getEnv("CALLBACK_URL", ""),
			APIKey: getEnv("CALLBACK_API_KEY", ""),
		},
		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		KeepaliveInterval:    getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		MaxRequestBodySize:   int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 10),
		ActionsFile:          getEnv("ACTIONS_FILE", ""),
		LogDebug:             getEnvBool("LOG_DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.SessionStore {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("SESSION_STORE must be %q or %q, got %q", StoreSQLite, StoreMemory, c.SessionStore)
	}
	switch c.Gate.Backend {
	case GateLocal:
	case GateRedis:
		if c.Gate.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when GATE_BACKEND=redis")
		}
		if c.Gate.LeaseTTL < time.Second {
			return fmt.Errorf("GATE_LEASE_TTL must be at least 1s")
		}
	default:
		return fmt.Errorf("GATE_BACKEND must be %q or %q, got %q", GateLocal, GateRedis, c.Gate.Backend)
	}
	if c.Assistant.PollInterval <= 0 {
		return fmt.Errorf("RUN_POLL_INTERVAL must be > 0")
	}
	if c.Assistant.StallTimeout <= 0 {
		return fmt.Errorf("RUN_STALL_TIMEOUT must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// AssistantConfigured reports whether the remote assistant credentials are set.
func (c *Config) AssistantConfigured() bool {
	return c.Assistant.APIKey != "" && c.Assistant.AssistantID != ""
}

// VoiceConfigured reports whether both speech providers are configured.
func (c *Config) VoiceConfigured() bool {
	return c.Voice.DeepgramAPIKey != "" && c.Voice.ElevenLabsAPIKey != ""
}

// CallbackConfigured reports whether the callback dispatcher is configured.
func (c *Config) CallbackConfigured() bool {
	return c.Callback.URL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultOrigins(frontendURL string) []string {
	origins := []string{"http://localhost:3000", "http://localhost:5173"}
	if frontendURL != "" {
		origins = append(origins, frontendURL)
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
