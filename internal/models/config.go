package models

// ConfigError indicates the loaded configuration is unusable.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return "config error: " + e.Message
}

type ProviderConfig struct {
	APIBaseURL  string `json:"apiBaseUrl"`
	SessionName string `json:"sessionName"`
	TimeoutSec  int    `json:"timeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type CounterStoreConfig struct {
	// Backend is "sqlite" or "memcache".
	Backend       string `json:"backend"`
	MemcacheAddr  string `json:"memcacheAddr"`
	MemcacheConns int    `json:"memcacheConns"`
}

type RateLimitConfig struct {
	DailyLimit         int `json:"dailyLimit"`
	BlackoutStartHour  int `json:"blackoutStartHour"`
	BlackoutEndHour    int `json:"blackoutEndHour"`
	MinDelaySec        int `json:"minDelaySec"`
	ProviderTimeoutSec int `json:"providerTimeoutSec"`
}

type QueueConfig struct {
	URL       string `json:"url"`
	QueueName string `json:"queueName"`
	Enabled   bool   `json:"enabled"`
}

type ServerConfig struct {
	Port                 int    `json:"port"`
	WebhookSecret        string `json:"webhookSecret"`
	CleanupIntervalHours int    `json:"cleanupIntervalHours"`
}

type AutomationConfig struct {
	ReplyWindowHours     int `json:"replyWindowHours"`
	ExpirySweepMinutes   int `json:"expirySweepMinutes"`
	CompletionSweepHours int `json:"completionSweepHours"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type Config struct {
	LogLevel      string             `json:"logLevel"`
	RetentionDays int                `json:"retentionDays"`
	Provider      ProviderConfig     `json:"provider"`
	Database      DatabaseConfig     `json:"database"`
	CounterStore  CounterStoreConfig `json:"counterStore"`
	RateLimit     RateLimitConfig    `json:"rateLimit"`
	Queue         QueueConfig        `json:"queue"`
	Server        ServerConfig       `json:"server"`
	Automation    AutomationConfig   `json:"automation"`
	Retry         RetryConfig        `json:"retry"`
	Tracing       TracingConfig      `json:"tracing"`
}
