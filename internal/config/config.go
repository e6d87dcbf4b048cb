// Package config provides environment configuration for the gateway.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	// NATSMaxReconnects of zero retries forever.
	NATSMaxReconnects int

	// JWT settings. Auth is skipped when the secret is empty.
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	DefaultLLM      string
	LLMMaxTokens    int
	LLMTemperature  float64
	LLMTimeout      time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string
	LogFile  string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Database (conversations, companies, session mapping)
	DBDriver string
	DBDSN    string

	// WhatsApp device store
	WAStoreDialect string
	WAStoreDSN     string

	// Profile cache. Disabled when empty.
	RedisURL        string
	ProfileCacheTTL time.Duration

	// Session lifecycle
	QRTimeout            time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	InitWait             time.Duration
	RestoreOnBoot        bool

	// AI responder
	AIDebounce      time.Duration
	AIHistory       int
	AIFallbackText  string
	AIWorkerPool    int
	MetricsInterval string
}

// Load reads configuration from environment variables and an optional
// file named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		// Server
		ServerPort:         v.GetString("PORT"),
		ServerReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		ServerWriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		ShutdownTimeout:    v.GetDuration("SHUTDOWN_TIMEOUT"),
		CORSOrigins:        splitList(v.GetString("CORS_ORIGINS")),

		// NATS
		NATSEnabled:  v.GetBool("NATS_ENABLED"),
		NATSURL:      v.GetString("NATS_URL"),
		NATSCAFile:   v.GetString("NATS_CA_FILE"),
		NATSCertFile: v.GetString("NATS_CERT_FILE"),
		NATSKeyFile:  v.GetString("NATS_KEY_FILE"),
		NATSToken:    v.GetString("NATS_TOKEN"),

		NATSMaxReconnects: v.GetInt("NATS_MAX_RECONNECTS"),

		// JWT
		JWTSecret: v.GetString("JWT_SECRET"),

		// LLM
		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		AnthropicModel:  v.GetString("ANTHROPIC_MODEL"),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		OpenAIModel:     v.GetString("OPENAI_MODEL"),
		DefaultLLM:      v.GetString("DEFAULT_LLM"),
		LLMMaxTokens:    v.GetInt("LLM_MAX_TOKENS"),
		LLMTemperature:  v.GetFloat64("LLM_TEMPERATURE"),
		LLMTimeout:      v.GetDuration("LLM_TIMEOUT"),

		// Rate limiting
		RateLimitRequests: v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),

		// Logging
		LogLevel: v.GetString("LOG_LEVEL"),
		LogFile:  v.GetString("LOG_FILE"),

		// Tracing
		TracingEndpoint: v.GetString("TRACING_ENDPOINT"),
		TracingEnabled:  v.GetBool("TRACING_ENABLED"),

		// Database
		DBDriver: v.GetString("DB_DRIVER"),
		DBDSN:    v.GetString("DB_DSN"),

		// WhatsApp
		WAStoreDialect: v.GetString("WA_STORE_DIALECT"),
		WAStoreDSN:     v.GetString("WA_STORE_DSN"),

		// Redis
		RedisURL:        v.GetString("REDIS_URL"),
		ProfileCacheTTL: v.GetDuration("PROFILE_CACHE_TTL"),

		// Session lifecycle
		QRTimeout:            v.GetDuration("QR_TIMEOUT"),
		ReconnectInterval:    v.GetDuration("RECONNECT_INTERVAL"),
		MaxReconnectAttempts: v.GetInt("MAX_RECONNECT_ATTEMPTS"),
		InitWait:             v.GetDuration("INIT_WAIT"),
		RestoreOnBoot:        v.GetBool("RESTORE_ON_BOOT"),

		// AI
		AIDebounce:      v.GetDuration("AI_DEBOUNCE"),
		AIHistory:       v.GetInt("AI_HISTORY"),
		AIFallbackText:  v.GetString("AI_FALLBACK_MESSAGE"),
		AIWorkerPool:    v.GetInt("AI_WORKER_POOL"),
		MetricsInterval: v.GetString("METRICS_INTERVAL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 60*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("NATS_ENABLED", false)
	v.SetDefault("NATS_URL", "nats://localhost:4222")

	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("OPENAI_MODEL", "gpt-3.5-turbo")
	v.SetDefault("DEFAULT_LLM", "openai")
	v.SetDefault("LLM_MAX_TOKENS", 150)
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("LLM_TIMEOUT", 30*time.Second)

	v.SetDefault("RATE_LIMIT_REQUESTS", 120)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)

	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("TRACING_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_ENABLED", false)

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "file:gateway.db?_foreign_keys=on")

	v.SetDefault("WA_STORE_DIALECT", "sqlite3")
	v.SetDefault("WA_STORE_DSN", "file:whatsapp.db?_foreign_keys=on")

	v.SetDefault("PROFILE_CACHE_TTL", 6*time.Hour)

	v.SetDefault("QR_TIMEOUT", 60*time.Second)
	v.SetDefault("RECONNECT_INTERVAL", 5*time.Second)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	v.SetDefault("INIT_WAIT", 3*time.Second)
	v.SetDefault("RESTORE_ON_BOOT", true)

	v.SetDefault("AI_DEBOUNCE", 3*time.Second)
	v.SetDefault("AI_HISTORY", 5)
	v.SetDefault("AI_FALLBACK_MESSAGE", "Disculpa, en este momento no puedo responder. Un asesor te contactará pronto.")
	v.SetDefault("AI_WORKER_POOL", 64)
	v.SetDefault("METRICS_INTERVAL", "@every 30s")
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.WAStoreDialect {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported WA_STORE_DIALECT %q", c.WAStoreDialect)
	}
	if c.QRTimeout <= 0 || c.ReconnectInterval <= 0 {
		return fmt.Errorf("QR_TIMEOUT and RECONNECT_INTERVAL must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.AIHistory <= 0 {
		c.AIHistory = 5
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
