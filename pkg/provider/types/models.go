package types

// SendResult is the normalized outcome of one provider send call. Exactly
// one of ProviderMessageID or ErrorCode is meaningful, matching Success.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// ClientConfig configures a provider HTTP adapter.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	SessionName string
	TimeoutSec  int
}
