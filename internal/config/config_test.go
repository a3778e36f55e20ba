package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campflow/internal/constants"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `{
	"provider": {
		"apiBaseUrl": "http://localhost:3000",
		"sessionName": "default"
	},
	"database": {
		"path": "/tmp/campflow.db"
	}
}`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.CounterStore.Backend)
	assert.Equal(t, constants.DefaultDailyMessageLimit, cfg.RateLimit.DailyLimit)
	assert.Equal(t, constants.DefaultBlackoutStartHour, cfg.RateLimit.BlackoutStartHour)
	assert.Equal(t, constants.DefaultBlackoutEndHour, cfg.RateLimit.BlackoutEndHour)
	assert.Equal(t, constants.ReplyWindowHours, cfg.Automation.ReplyWindowHours)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, "campaign.launch", cfg.Queue.QueueName)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "{not json"))
	assert.Error(t, err)
}

func TestLoadConfigMissingProviderURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"database": {"path": "/tmp/x.db"}}`))
	assert.ErrorIs(t, err, ErrMissingProviderURL)
}

func TestLoadConfigMissingDatabasePath(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"provider": {"apiBaseUrl": "http://localhost:3000"}}`))
	assert.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadConfigRejectsUnknownCounterBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"provider": {"apiBaseUrl": "http://localhost:3000"},
		"database": {"path": "/tmp/x.db"},
		"counterStore": {"backend": "redis"}
	}`))
	assert.Error(t, err)
}

func TestLoadConfigMemcacheRequiresAddr(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"provider": {"apiBaseUrl": "http://localhost:3000"},
		"database": {"path": "/tmp/x.db"},
		"counterStore": {"backend": "memcache"}
	}`))
	assert.Error(t, err)
}

func TestLoadConfigQueueEnabledRequiresURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"provider": {"apiBaseUrl": "http://localhost:3000"},
		"database": {"path": "/tmp/x.db"},
		"queue": {"enabled": true}
	}`))
	assert.Error(t, err)
}

func TestLoadConfigRejectsOutOfRangeBlackout(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"provider": {"apiBaseUrl": "http://localhost:3000"},
		"database": {"path": "/tmp/x.db"},
		"rateLimit": {"blackoutStartHour": 25}
	}`))
	assert.Error(t, err)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("PROVIDER_API_URL", "http://waha:3000")
	t.Setenv("DB_PATH", "/data/campflow.db")
	t.Setenv("DAILY_MESSAGE_LIMIT", "250")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "http://waha:3000", cfg.Provider.APIBaseURL)
	assert.Equal(t, "/data/campflow.db", cfg.Database.Path)
	assert.Equal(t, 250, cfg.RateLimit.DailyLimit)
}

func TestLoadConfigIgnoresInvalidLimitOverride(t *testing.T) {
	t.Setenv("DAILY_MESSAGE_LIMIT", "not-a-number")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultDailyMessageLimit, cfg.RateLimit.DailyLimit)
}

func TestLoadConfigProductionRequiresWebhookSecret(t *testing.T) {
	t.Setenv("CAMPFLOW_ENV", "production")
	t.Setenv("CAMPFLOW_WEBHOOK_SECRET", "")

	_, err := LoadConfig(writeConfig(t, minimalConfig))
	assert.Error(t, err)
}

func TestLoadConfigProductionRejectsShortSecret(t *testing.T) {
	t.Setenv("CAMPFLOW_ENV", "production")
	t.Setenv("CAMPFLOW_WEBHOOK_SECRET", "short")

	_, err := LoadConfig(writeConfig(t, minimalConfig))
	assert.Error(t, err)
}

func TestLoadConfigProductionRejectsDebugLogging(t *testing.T) {
	t.Setenv("CAMPFLOW_ENV", "production")
	t.Setenv("CAMPFLOW_WEBHOOK_SECRET", "0123456789abcdef0123456789abcdef")

	_, err := LoadConfig(writeConfig(t, `{
		"provider": {"apiBaseUrl": "http://localhost:3000"},
		"database": {"path": "/tmp/x.db"},
		"logLevel": "debug"
	}`))
	assert.Error(t, err)
}
