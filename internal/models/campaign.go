package models

import "time"

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Campaign aggregates the messages of one outreach run. Counters are only
// ever incremented on a guarded status transition, never unconditionally,
// so replayed webhook events cannot double-count.
type Campaign struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Status           CampaignStatus `json:"status"`
	InitialTemplate  string         `json:"initialTemplate"`
	FollowupTemplate string         `json:"followupTemplate"`
	TotalMessages    int            `json:"totalMessages"`
	SentCount        int            `json:"sentCount"`
	SuccessCount     int            `json:"successCount"`
	FailedCount      int            `json:"failedCount"`
	InteractionCount int            `json:"interactionCount"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CampaignStats is the read-side aggregate exposed to the statistics layer.
type CampaignStats struct {
	CampaignID       int64          `json:"campaignId"`
	Status           CampaignStatus `json:"status"`
	TotalMessages    int            `json:"totalMessages"`
	SentCount        int            `json:"sentCount"`
	SuccessCount     int            `json:"successCount"`
	FailedCount      int            `json:"failedCount"`
	InteractionCount int            `json:"interactionCount"`
	PendingCount     int            `json:"pendingCount"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}
