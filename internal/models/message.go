package models

import "time"

type MessageKind string

const (
	MessageKindInitial  MessageKind = "initial"
	MessageKindFollowup MessageKind = "followup"
)

type MessageStatus string

const (
	MessageStatusPending       MessageStatus = "pending"
	MessageStatusSent          MessageStatus = "sent"
	MessageStatusDelivered     MessageStatus = "delivered"
	MessageStatusRead          MessageStatus = "read"
	MessageStatusFailed        MessageStatus = "failed"
	MessageStatusNoInteraction MessageStatus = "no_interaction"
)

// messageTransitions is the total transition table for message statuses.
// Anything not listed here is rejected; state is never written field-by-field.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusRead, MessageStatusFailed},
	MessageStatusDelivered: {MessageStatusRead, MessageStatusNoInteraction},
	MessageStatusRead:      {MessageStatusNoInteraction},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	for _, allowed := range messageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further dispatcher-driven work exists for the
// status. Delivered and read are terminal for the dispatcher but may still
// transition via automation (read receipt, no-interaction expiry).
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusRead, MessageStatusFailed, MessageStatusNoInteraction:
		return true
	}
	return false
}

// Message is one outbound send attempt for one (campaign, contact) pair.
type Message struct {
	ID                int64         `json:"id"`
	CampaignID        int64         `json:"campaignId"`
	ContactID         int64         `json:"contactId"`
	Kind              MessageKind   `json:"kind"`
	Content           string        `json:"content"`
	Status            MessageStatus `json:"status"`
	ProviderMessageID *string       `json:"providerMessageId,omitempty"`
	ErrorCode         *string       `json:"errorCode,omitempty"`
	ErrorMessage      *string       `json:"errorMessage,omitempty"`
	RetryCount        int           `json:"retryCount"`
	NextAttemptAt     time.Time     `json:"nextAttemptAt"`
	SentAt            *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time    `json:"readAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}
