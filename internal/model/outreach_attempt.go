// internal/model/outreach_attempt.go
package model

import (
	"fmt"
	"time"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelForm  = "form"
)

const (
	AttemptStatusQueued    = "queued"
	AttemptStatusSent      = "sent"
	AttemptStatusDelivered = "delivered"
	AttemptStatusFailed    = "failed"
	AttemptStatusBounced   = "bounced"
)

// OutreachAttempt is one send to one contractor over one channel.
type OutreachAttempt struct {
	ID              string     `db:"id" json:"id"`
	CampaignID      string     `db:"campaign_id" json:"campaign_id"`
	ContractorID    string     `db:"contractor_id" json:"contractor_id"`
	Channel         string     `db:"channel" json:"channel"`
	IntendedTier    int        `db:"intended_tier" json:"intended_tier"`
	ActualTier      int        `db:"actual_tier" json:"actual_tier"`
	StrategyVersion int        `db:"strategy_version" json:"strategy_version"`
	TrackingToken   string     `db:"tracking_token" json:"tracking_token"`
	IdempotencyKey  string     `db:"idempotency_key" json:"idempotency_key"`
	Status          string     `db:"status" json:"status"`
	RenderedContent string     `db:"rendered_content" json:"rendered_content,omitempty"`
	MessageID       string     `db:"message_id" json:"message_id,omitempty"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	SentAt          *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func IdempotencyKey(campaignID, contractorID, channel string, strategyVersion int) string {
	return fmt.Sprintf("%s:%s:%s:%d", campaignID, contractorID, channel, strategyVersion)
}
