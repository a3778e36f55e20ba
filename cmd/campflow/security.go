package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	apperrors "campflow/internal/errors"
)

// verifySignature checks the WAHA HMAC-SHA512 webhook signature and returns
// the request body. Outside production an empty secret disables the check.
func verifySignature(r *http.Request, secretKey string, signatureHeaderName string) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	if secretKey == "" {
		if os.Getenv("CAMPFLOW_ENV") == "production" {
			return nil, apperrors.New(apperrors.ErrCodeWebhookSignature, "webhook secret is required in production mode")
		}
		return body, nil
	}

	signatureHeader := r.Header.Get(signatureHeaderName)
	if signatureHeader == "" {
		return nil, apperrors.New(apperrors.ErrCodeWebhookSignature,
			fmt.Sprintf("missing signature header: %s", signatureHeaderName))
	}

	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	computedSignatureHex := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computedSignatureHex), []byte(signatureHeader)) {
		return nil, apperrors.New(apperrors.ErrCodeWebhookSignature, "signature mismatch")
	}
	return body, nil
}
