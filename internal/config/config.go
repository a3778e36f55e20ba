package config

import (
	"encoding/json"
	"os"
	"strconv"

	"campflow/internal/constants"
	"campflow/internal/models"
)

var (
	ErrMissingProviderURL = models.ConfigError{Message: "missing provider API base URL"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Provider.APIBaseURL == "" {
		return ErrMissingProviderURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.CounterStore.Backend == "" {
		c.CounterStore.Backend = "sqlite"
	}
	switch c.CounterStore.Backend {
	case "sqlite":
	case "memcache":
		if c.CounterStore.MemcacheAddr == "" {
			return models.ConfigError{Message: "memcache counter store requires memcacheAddr"}
		}
		if c.CounterStore.MemcacheConns <= 0 {
			c.CounterStore.MemcacheConns = constants.DefaultMemcacheConns
		}
	default:
		return models.ConfigError{Message: "unknown counter store backend: " + c.CounterStore.Backend}
	}

	if c.Queue.Enabled && c.Queue.URL == "" {
		return models.ConfigError{Message: "queue is enabled but url is empty"}
	}
	if c.Queue.QueueName == "" {
		c.Queue.QueueName = "campaign.launch"
	}

	if c.RateLimit.DailyLimit <= 0 {
		c.RateLimit.DailyLimit = constants.DefaultDailyMessageLimit
	}
	if c.RateLimit.BlackoutStartHour <= 0 {
		c.RateLimit.BlackoutStartHour = constants.DefaultBlackoutStartHour
	}
	if c.RateLimit.BlackoutEndHour <= 0 {
		c.RateLimit.BlackoutEndHour = constants.DefaultBlackoutEndHour
	}
	if c.RateLimit.BlackoutStartHour > 23 || c.RateLimit.BlackoutEndHour > 23 {
		return models.ConfigError{Message: "blackout hours must be within 0-23"}
	}
	if c.RateLimit.MinDelaySec <= 0 {
		c.RateLimit.MinDelaySec = constants.MinSendDelaySec
	}
	if c.RateLimit.ProviderTimeoutSec <= 0 {
		c.RateLimit.ProviderTimeoutSec = constants.DefaultProviderTimeoutSec
	}

	if c.Automation.ReplyWindowHours <= 0 {
		c.Automation.ReplyWindowHours = constants.ReplyWindowHours
	}
	if c.Automation.ExpirySweepMinutes <= 0 {
		c.Automation.ExpirySweepMinutes = constants.DefaultExpirySweepMinutes
	}
	if c.Automation.CompletionSweepHours <= 0 {
		c.Automation.CompletionSweepHours = constants.DefaultCompletionSweepHours
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}

	if c.Provider.TimeoutSec <= 0 {
		c.Provider.TimeoutSec = constants.DefaultProviderTimeoutSec
	}

	return validateSecurity(c)
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("PROVIDER_API_URL"); url != "" {
		c.Provider.APIBaseURL = url
	}
	if secret := os.Getenv("CAMPFLOW_WEBHOOK_SECRET"); secret != "" {
		c.Server.WebhookSecret = secret
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("MEMCACHE_ADDR"); addr != "" {
		c.CounterStore.MemcacheAddr = addr
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		c.Queue.URL = url
	}
	if limit := os.Getenv("DAILY_MESSAGE_LIMIT"); limit != "" {
		if v, err := strconv.Atoi(limit); err == nil && v > 0 {
			c.RateLimit.DailyLimit = v
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("CAMPFLOW_ENV") == "production"

	if isProduction {
		if c.Server.WebhookSecret == "" {
			return models.ConfigError{Message: "webhook secret is required in production (set CAMPFLOW_WEBHOOK_SECRET environment variable)"}
		}
		if len(c.Server.WebhookSecret) < 32 {
			return models.ConfigError{Message: "webhook secret must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Server.WebhookSecret == "" {
		os.Stderr.WriteString("WARNING: webhook secret not set. Set CAMPFLOW_WEBHOOK_SECRET environment variable for security.\n")
	}

	return nil
}
