package waha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "campflow/internal/errors"
	"campflow/pkg/provider/types"
)

func TestChatID(t *testing.T) {
	assert.Equal(t, "15551234567@c.us", ChatID("+15551234567"))
	assert.Equal(t, "15551234567@c.us", ChatID("15551234567"))
	assert.Equal(t, "15551234567@c.us", ChatID(" +15551234567 "))
	assert.Equal(t, "15551234567@c.us", ChatID("15551234567@c.us"))
}

func TestPhoneFromChatID(t *testing.T) {
	assert.Equal(t, "15551234567", PhoneFromChatID("15551234567@c.us"))
	assert.Equal(t, "15551234567", PhoneFromChatID("15551234567"))
}

func newTestClient(serverURL string) *Client {
	return NewClient(types.ClientConfig{
		BaseURL:     serverURL,
		APIKey:      "test-key",
		SessionName: "default",
		TimeoutSec:  5,
	})
}

func TestSendTextSuccess(t *testing.T) {
	var gotReq sendTextRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sendText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": {"_serialized": "wamid.ABC"}}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendText(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "wamid.ABC", result.ProviderMessageID)
	assert.Equal(t, "default", gotReq.Session)
	assert.Equal(t, "15551234567@c.us", gotReq.ChatID)
	assert.Equal(t, "hello", gotReq.Text)
}

func TestSendTextFallsBackToMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messageId": "wamid.XYZ"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendText(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "wamid.XYZ", result.ProviderMessageID)
}

func TestSendTextProviderRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limit exceeded"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendText(context.Background(), "+15551234567", "hello")
	require.NoError(t, err, "provider rejections are results, not errors")
	assert.False(t, result.Success)
	assert.Equal(t, "http_429", result.ErrorCode)
	assert.Equal(t, "rate limit exceeded", result.ErrorMessage)
}

func TestSendTextNonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("Bad Gateway"))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).SendText(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "http_502", result.ErrorCode)
}

func TestSendTextTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := newTestClient(server.URL).SendText(context.Background(), "+15551234567", "hello")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSendTransient, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSendTextMissingBaseURLIsConfigError(t *testing.T) {
	client := NewClient(types.ClientConfig{SessionName: "default", TimeoutSec: 5})

	_, err := client.SendText(context.Background(), "+15551234567", "hello")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestSendTextContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(server.URL).SendText(ctx, "+15551234567", "hello")
	assert.Error(t, err)
}
