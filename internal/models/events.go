package models

import "time"

type EventType string

const (
	EventTypeInboundReply EventType = "inbound_reply"
	EventTypeStatusUpdate EventType = "status_update"
)

// InboundEvent is the normalized form every provider webhook payload is
// reduced to before it reaches the automation engine. Exactly one of Reply
// or Status is set, matching Type.
type InboundEvent struct {
	Type   EventType
	Reply  *InboundReply
	Status *StatusUpdate
}

// InboundReply is a message a contact sent back to us.
type InboundReply struct {
	ContactRef        string    // provider-side contact reference, e.g. phone number
	Text              string
	ProviderMessageID string    // the reply's own provider ID
	Timestamp         time.Time
}

// StatusUpdate is a delivery-state change for a message we sent.
type StatusUpdate struct {
	ProviderMessageID string
	NewStatus         MessageStatus
	Timestamp         time.Time
	ErrorCode         string
}
