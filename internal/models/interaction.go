package models

import "time"

type InteractionKind string

const (
	InteractionKindReply     InteractionKind = "reply"
	InteractionKindDelivered InteractionKind = "delivered"
	InteractionKindRead      InteractionKind = "read"
	InteractionKindFailed    InteractionKind = "failed"
)

// Interaction is an append-only audit record of an inbound provider event.
type Interaction struct {
	ID         int64           `json:"id"`
	CampaignID int64           `json:"campaignId"`
	ContactID  int64           `json:"contactId"`
	MessageID  *int64          `json:"messageId,omitempty"`
	Kind       InteractionKind `json:"kind"`
	Content    *string         `json:"content,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
