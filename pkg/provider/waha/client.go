// Package waha is the WAHA (WhatsApp HTTP API) adapter for the abstract
// provider interface.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "campflow/internal/errors"
	"campflow/pkg/provider/types"
)

type Client struct {
	baseURL     string
	apiKey      string
	sessionName string
	client      *http.Client
}

var _ types.Client = (*Client)(nil)

func NewClient(cfg types.ClientConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		sessionName: cfg.SessionName,
		client:      &http.Client{Timeout: timeout},
	}
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendTextResponse struct {
	ID struct {
		Serialized string `json:"_serialized"`
	} `json:"id"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// ChatID converts a phone number to a WAHA chat ID: leading plus stripped,
// "@c.us" suffix appended when missing.
func ChatID(destination string) string {
	dest := strings.TrimPrefix(strings.TrimSpace(destination), "+")
	if !strings.HasSuffix(dest, "@c.us") {
		dest += "@c.us"
	}
	return dest
}

// SendText sends a text message. Transport errors are returned as errors;
// provider-level rejections come back as an unsuccessful SendResult so the
// caller can classify the error code.
func (c *Client) SendText(ctx context.Context, destination, content string) (*types.SendResult, error) {
	if c.baseURL == "" {
		return nil, apperrors.NewConfigError("provider.apiBaseUrl", "provider base URL is not configured")
	}

	payload := sendTextRequest{
		Session: c.sessionName,
		ChatID:  ChatID(destination),
		Text:    content,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sendText", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewTimeoutError("provider send", c.client.Timeout.String())
		}
		return nil, apperrors.NewSendError(0, "network_error", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result sendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &types.SendResult{
			Success:      false,
			ErrorCode:    fmt.Sprintf("http_%d", resp.StatusCode),
			ErrorMessage: resp.Status,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorMessage := result.Error
		if errorMessage == "" {
			errorMessage = result.Message
		}
		return &types.SendResult{
			Success:      false,
			ErrorCode:    fmt.Sprintf("http_%d", resp.StatusCode),
			ErrorMessage: errorMessage,
		}, nil
	}

	providerID := result.ID.Serialized
	if providerID == "" {
		providerID = result.MessageID
	}
	return &types.SendResult{
		Success:           true,
		ProviderMessageID: providerID,
	}, nil
}
