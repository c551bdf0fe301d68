package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"promobot/internal/models"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string
	AdminUserIDs  []int64

	// Bot mode configuration
	WebhookMode bool   // If true, use webhook mode; if false, use polling mode
	WebhookURL  string // URL for webhook (required if WebhookMode is true)
	Port        string

	UseMockDB   bool
	DatabaseURL string

	// ClickHouse delivery journal, disabled when ClickHouseHost is empty
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	// Redis conversation state, in-memory when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostButtons     []models.ButtonTemplate
	PostTimeOptions []string
	Location        *time.Location

	SchedulerPollInterval time.Duration
	SchedulerClaimLease   time.Duration
	SchedulerConcurrency  int

	DeliveryMaxAttempts    int
	DeliveryInitialBackoff time.Duration
	DeliveryMaxBackoff     time.Duration
	SendRatePerSecond      float64

	RegistrationCodeTTL time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultPostButtons     = "Steam=https://store.steampowered.com/app/{app_id}"
	defaultPostTimeOptions = "10:00,12:00,15:00,18:00,21:00"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}
	var err error

	// Telegram Bot Token (required)
	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	// Admin user IDs (optional, bootstrapped as admins at startup)
	if idsStr := os.Getenv("ADMIN_USER_IDS"); idsStr != "" {
		for _, idStr := range strings.Split(idsStr, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID in ADMIN_USER_IDS: %s", idStr)
			}
			config.AdminUserIDs = append(config.AdminUserIDs, id)
		}
	}

	// Bot mode configuration
	config.WebhookMode = os.Getenv("WEBHOOK_MODE") == "true"
	if config.WebhookMode {
		config.WebhookURL = os.Getenv("WEBHOOK_URL")
		if config.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
		}
	}
	config.Port = getEnv("PORT", "8080")

	// Use Mock DB (default: false)
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"
	if !config.UseMockDB {
		config.DatabaseURL = os.Getenv("DATABASE_URL")
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when USE_MOCK_DB is not set")
		}
	}

	config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
	if config.ClickHouseHost != "" {
		if config.ClickHousePort, err = intEnv("CLICKHOUSE_PORT", 9000); err != nil {
			return nil, err
		}
		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if config.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}

	if config.PostButtons, err = ParseButtonTemplates(getEnv("POST_BUTTONS", defaultPostButtons)); err != nil {
		return nil, fmt.Errorf("invalid POST_BUTTONS: %w", err)
	}
	if config.PostTimeOptions, err = ParseTimeOptions(getEnv("POST_TIME_OPTIONS", defaultPostTimeOptions)); err != nil {
		return nil, fmt.Errorf("invalid POST_TIME_OPTIONS: %w", err)
	}

	config.Location, err = time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	if config.SchedulerPollInterval, err = durationEnv("SCHEDULER_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if config.SchedulerClaimLease, err = durationEnv("SCHEDULER_CLAIM_LEASE", 10*time.Minute); err != nil {
		return nil, err
	}
	if config.SchedulerConcurrency, err = intEnv("SCHEDULER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if config.DeliveryMaxAttempts, err = intEnv("DELIVERY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if config.DeliveryInitialBackoff, err = durationEnv("DELIVERY_INITIAL_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if config.DeliveryMaxBackoff, err = durationEnv("DELIVERY_MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}

	rateStr := getEnv("SEND_RATE_PER_SECOND", "20")
	config.SendRatePerSecond, err = strconv.ParseFloat(rateStr, 64)
	if err != nil || config.SendRatePerSecond <= 0 {
		return nil, fmt.Errorf("invalid SEND_RATE_PER_SECOND: %s", rateStr)
	}

	if config.RegistrationCodeTTL, err = durationEnv("REGISTRATION_CODE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if config.SchedulerConcurrency < 1 {
		return nil, fmt.Errorf("SCHEDULER_CONCURRENCY must be at least 1")
	}
	if config.DeliveryMaxAttempts < 1 {
		return nil, fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1")
	}

	config.LogLevel = getEnv("LOG_LEVEL", "info")
	config.LogFormat = getEnv("LOG_FORMAT", "json")

	return config, nil
}

// ParseButtonTemplates parses "Label=url;Label2=url2". URLs may contain {app_id}.
func ParseButtonTemplates(s string) ([]models.ButtonTemplate, error) {
	var templates []models.ButtonTemplate
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, url, ok := strings.Cut(part, "=")
		label, url = strings.TrimSpace(label), strings.TrimSpace(url)
		if !ok || label == "" || url == "" {
			return nil, fmt.Errorf("expected Label=url, got %q", part)
		}
		templates = append(templates, models.ButtonTemplate{Label: label, URLTemplate: url})
	}
	return templates, nil
}

// ParseTimeOptions parses a comma-separated list of HH:MM values
func ParseTimeOptions(s string) ([]string, error) {
	var options []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := time.Parse("15:04", part); err != nil {
			return nil, fmt.Errorf("expected HH:MM, got %q", part)
		}
		options = append(options, part)
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("at least one time option is required")
	}
	return options, nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
