package waha

import "strings"

// WAHA webhook event types consumed by the automation core.
const (
	EventMessage    = "message"
	EventMessageACK = "message.ack"
)

// WAHA message ACK statuses
const (
	ACKError   = -1
	ACKPending = 0
	ACKServer  = 1
	ACKDevice  = 2
	ACKRead    = 3
	ACKPlayed  = 4
)

type WebhookPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Session   string `json:"session"`
	Payload   struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		From      string `json:"from"`
		FromMe    bool   `json:"fromMe"`
		To        string `json:"to"`
		Body      string `json:"body"`
		// Fields for message.ack events (ACK status is sent as a number)
		ACK       *int    `json:"ack,omitempty"`
		MessageID string  `json:"messageId,omitempty"`
		ErrorCode *string `json:"errorCode,omitempty"`
	} `json:"payload"`
	Engine string `json:"engine"`
}

// PhoneFromChatID strips the WAHA chat suffix back to a bare phone number.
func PhoneFromChatID(chatID string) string {
	return strings.TrimSuffix(chatID, "@c.us")
}
