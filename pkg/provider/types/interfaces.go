package types

import "context"

// Client is the abstract messaging provider the dispatcher sends through.
// Destination formatting is adapter-specific; callers pass raw phone
// numbers and the adapter normalizes them.
type Client interface {
	SendText(ctx context.Context, destination, content string) (*SendResult, error)
}
