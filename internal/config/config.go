package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime settings read from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	GeminiAPIKey      string
	GeminiModel       string
	GeminiBaseURL     string
	GeminiTimeout     time.Duration
	GeminiTemperature float64

	LLMMaxAttempts    int
	LLMRetryBaseDelay time.Duration
	LLMRetryJitter    time.Duration
	MaxToolRounds     int

	DocstoreDriver          string
	FirestoreProjectID      string
	FirebaseCredentialsFile string
	DatabaseURL             string
	DatabaseSchema          string
	SQLitePath              string

	CredentialsFile string

	SessionBackend    string
	SessionTTL        time.Duration
	ChatRatePerMinute int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisTLS          bool

	QueryTimeout         time.Duration
	QueryMaxRows         int
	QueryMaxAllocMB      int
	AnomalyContamination float64

	WhatsAppEnabled   bool
	WhatsAppStorePath string
	WhatsAppLogLevel  string
}

// Load reads configuration from environment variables and applies defaults.
func Load() (Config, error) {
	var (
		cfg  Config
		errs []error
	)

	cfg.AppEnv = getString("APP_ENV", "development")
	cfg.LogLevel = getString("LOG_LEVEL", "info")
	cfg.LogFormat = strings.ToLower(getString("LOG_FORMAT", "text"))
	cfg.HTTPListenAddr = getString("HTTP_LISTEN_ADDR", ":8080")
	cfg.PublicBasePath = getString("PUBLIC_BASE_PATH", "")
	cfg.MetricsNamespace = getString("METRICS_NAMESPACE", "abi_agent")

	cfg.GeminiAPIKey = getString("GEMINI_API_KEY", "")
	cfg.GeminiModel = getString("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.GeminiBaseURL = getString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	cfg.GeminiTimeout = getDuration("GEMINI_TIMEOUT", 60*time.Second, &errs)
	cfg.GeminiTemperature = getFloat("GEMINI_TEMPERATURE", 0.1, &errs)

	cfg.LLMMaxAttempts = getInt("LLM_MAX_ATTEMPTS", 3, &errs)
	cfg.LLMRetryBaseDelay = getDuration("LLM_RETRY_BASE_DELAY", 2*time.Second, &errs)
	cfg.LLMRetryJitter = getDuration("LLM_RETRY_JITTER", time.Second, &errs)
	cfg.MaxToolRounds = getInt("MAX_TOOL_ROUNDS", 5, &errs)

	cfg.DocstoreDriver = strings.ToLower(getString("DOCSTORE_DRIVER", "firestore"))
	cfg.FirestoreProjectID = getString("FIRESTORE_PROJECT_ID", "")
	cfg.FirebaseCredentialsFile = getString("FIREBASE_CREDENTIALS_FILE", "firebase_creds.json")
	cfg.DatabaseURL = getString("DATABASE_URL", "")
	cfg.DatabaseSchema = getString("DATABASE_SCHEMA", "")
	cfg.SQLitePath = getString("SQLITE_PATH", "data/abi.db")

	cfg.CredentialsFile = getString("CREDENTIALS_FILE", "credentials.json")

	cfg.SessionBackend = strings.ToLower(getString("SESSION_BACKEND", "memory"))
	cfg.SessionTTL = getDuration("SESSION_TTL", 12*time.Hour, &errs)
	cfg.ChatRatePerMinute = getInt("CHAT_RATE_PER_MINUTE", 20, &errs)
	cfg.RedisAddr = getString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getString("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0, &errs)
	cfg.RedisTLS = ParseBool(getString("REDIS_TLS", "false"))

	cfg.QueryTimeout = getDuration("QUERY_TIMEOUT", 5*time.Second, &errs)
	cfg.QueryMaxRows = getInt("QUERY_MAX_ROWS", 50000, &errs)
	cfg.QueryMaxAllocMB = getInt("QUERY_MAX_ALLOC_MB", 256, &errs)
	cfg.AnomalyContamination = getFloat("ANOMALY_CONTAMINATION", 0.05, &errs)

	cfg.WhatsAppEnabled = ParseBool(getString("WHATSAPP_ENABLED", "false"))
	cfg.WhatsAppStorePath = getString("WHATSAPP_STORE_PATH", "data/whatsapp.db")
	cfg.WhatsAppLogLevel = getString("WHATSAPP_LOG_LEVEL", "WARN")

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	switch c.DocstoreDriver {
	case "firestore", "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres document store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DOCSTORE_DRIVER %q", c.DocstoreDriver))
	}
	switch c.SessionBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend))
	}
	if c.LLMMaxAttempts < 1 {
		errs = append(errs, errors.New("LLM_MAX_ATTEMPTS must be at least 1"))
	}
	if c.LLMRetryJitter < 0 {
		errs = append(errs, errors.New("LLM_RETRY_JITTER must not be negative"))
	}
	if c.QueryMaxAllocMB < 1 {
		errs = append(errs, errors.New("QUERY_MAX_ALLOC_MB must be at least 1"))
	}
	if c.MaxToolRounds < 1 {
		errs = append(errs, errors.New("MAX_TOOL_ROUNDS must be at least 1"))
	}
	if c.AnomalyContamination <= 0 || c.AnomalyContamination >= 0.5 {
		errs = append(errs, errors.New("ANOMALY_CONTAMINATION must be in (0, 0.5)"))
	}
	return errs
}

// ParseBool reports whether value is one of the usual truthy spellings.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	raw := getString(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	raw := getString(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := getString(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}
