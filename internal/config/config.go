package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Debounce coordinator
	DebounceDelay      time.Duration
	DebounceStaleAfter time.Duration
	DebounceSweep      time.Duration

	// Processing lock lease
	LockTTL time.Duration

	// AI completion
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string
	LLMMaxRetries  int
	LLMRetryDelay  time.Duration
	LLMMaxTokens   int
	LLMTemperature float64

	// Outbound cadence between segments of one reply
	SendSpacing time.Duration

	// Destination timezone used when computing scheduled-send times,
	// and the local quiet window when drip sends are deferred
	ScheduleTimezone   string
	ScheduleQuietStart string
	ScheduleQuietEnd   string

	// WhatsApp gateway
	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string

	// Direct whatsmeow sender (optional, self-hosted sending)
	MeowEnabled  bool
	MeowDBPath   string
	MeowDeviceID string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		DebounceDelay:      getEnvAsDuration("DEBOUNCE_DELAY", 4*time.Second),
		DebounceStaleAfter: getEnvAsDuration("DEBOUNCE_STALE_AFTER", 10*time.Minute),
		DebounceSweep:      getEnvAsDuration("DEBOUNCE_SWEEP_INTERVAL", 30*time.Second),

		LockTTL: getEnvAsDuration("PROCESSING_LOCK_TTL", 2*time.Minute),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMMaxRetries:  getEnvAsInt("LLM_MAX_RETRIES", 3),
		LLMRetryDelay:  getEnvAsDuration("LLM_RETRY_DELAY", 2*time.Second),
		LLMMaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.2),

		SendSpacing: getEnvAsDuration("SEND_SPACING", 1500*time.Millisecond),

		ScheduleTimezone:   getEnv("SCHEDULE_TIMEZONE", "UTC"),
		ScheduleQuietStart: getEnv("SCHEDULE_QUIET_START", "21:00"),
		ScheduleQuietEnd:   getEnv("SCHEDULE_QUIET_END", "09:00"),

		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", ""),
		GatewayAPIKey:        getEnv("GATEWAY_API_KEY", ""),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),

		MeowEnabled:  getEnvAsBool("MEOW_ENABLED", false),
		MeowDBPath:   getEnv("MEOW_DB_PATH", "whatsapp.db"),
		MeowDeviceID: getEnv("MEOW_DEVICE_ID", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
