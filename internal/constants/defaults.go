package constants

// Rate limiter defaults. The daily ceiling and blackout window vary between
// provider anti-ban guidelines, so everything here is overridable via config.
const (
	DefaultDailyMessageLimit  = 1000
	DailyLimitWarningFraction = 0.8
	DefaultBlackoutStartHour  = 23
	DefaultBlackoutEndHour    = 7
	MinSendDelaySec           = 10
	ThinkTimeMinSec           = 1
	ThinkTimeMaxSec           = 3
	DelayJitterSec            = 5
	MicroPauseProbability     = 0.10
	MicroPauseMinSec          = 30
	MicroPauseMaxSec          = 120
)

// Ban-risk thresholds.
const (
	EmergencyPauseSec           = 1800
	ThresholdHaltSec            = 3600
	ConsecutiveFailureThreshold = 3
	WindowFailureThreshold      = 5
	FailureWindowMinutes        = 10
	ErrorRateWarningThreshold   = 0.05
	ErrorRateMinSample          = 20
)

// Dispatcher defaults.
const (
	RetryBaseDelaySec         = 60
	MaxSendAttempts           = 3
	DefaultProviderTimeoutSec = 30
	DefaultDispatcherPollSec  = 5
	DefaultUnsafeRecheckSec   = 60
)

// Automation defaults.
const (
	ReplyWindowHours              = 24
	DefaultExpirySweepMinutes     = 15
	DefaultCompletionSweepHours   = 1
	DefaultEventProcessTimeoutSec = 30
)

// Server and startup defaults.
const (
	DefaultServerPort              = 8082
	DefaultServerReadTimeoutSec    = 15
	DefaultServerWriteTimeoutSec   = 15
	DefaultServerIdleTimeoutSec    = 60
	DefaultGracefulShutdownSec     = 30
	DefaultDatabaseRetryAttempts   = 3
	DefaultBackoffInitialMs        = 500
	DefaultBackoffMaxMs            = 60000
	DefaultRetentionDays           = 90
	DefaultCleanupIntervalHours    = 24
	DefaultStaleSentCheckMinutes   = 30
	DefaultStaleSentThresholdHours = 6
	ServerErrorChannelSize         = 1
)

// CounterStore defaults.
const (
	DefaultMemcacheConns       = 2
	CounterSweepIntervalSec    = 300
	ConsecutiveCounterTTLHours = 12
)
