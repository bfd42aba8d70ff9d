// internal/model/campaign.go
package model

import "time"

const (
	CampaignStatusActive    = "active"
	CampaignStatusCompleted = "completed"
	CampaignStatusExpired   = "expired"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusError     = "error"
)

// Campaign is one outreach program for one bid card. Version is the row
// version used for optimistic concurrency; StrategyVersion counts strategy
// snapshots (1 at creation, +1 per escalation).
type Campaign struct {
	ID                string     `db:"id" json:"id"`
	BidCardID         string     `db:"bid_card_id" json:"bid_card_id"`
	Status            string     `db:"status" json:"status"`
	Strategy          Strategy   `db:"-" json:"strategy"`
	StrategyVersion   int        `db:"strategy_version" json:"strategy_version"`
	BidsNeeded        int        `db:"bids_needed" json:"bids_needed"`
	BidsReceivedCount int        `db:"bids_received_count" json:"bids_received_count"`
	TimelineHours     float64    `db:"timeline_hours" json:"timeline_hours"`
	Version           int        `db:"version" json:"-"`
	StatusReason      string     `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	DeadlineAt        time.Time  `db:"deadline_at" json:"deadline_at"`
	UpdatedAt         *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	ClosedAt          *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusActive
}

// CanTransition reports whether the campaign state machine allows moving
// from status `from` to `to`. active→active is the escalation self-loop.
func CanTransition(from, to string) bool {
	if from != CampaignStatusActive {
		return false
	}
	switch to {
	case CampaignStatusActive, CampaignStatusCompleted, CampaignStatusExpired,
		CampaignStatusCancelled, CampaignStatusError:
		return true
	}
	return false
}

const (
	EventCreated    = "created"
	EventEscalated  = "escalated"
	EventCompleted  = "completed"
	EventExpired    = "expired"
	EventCancelled  = "cancelled"
	EventCheckIn    = "check_in"
	EventDispatch   = "dispatch_failed"
	EventError      = "error"
	EventLateSignal = "late_response"
	// EventStaleVersion marks sends tagged with a strategy version that was
	// never appended because the campaign closed mid-escalation.
	EventStaleVersion = "stale_strategy_version"
)

// CampaignEvent is an append-only audit record written together with the
// change that caused it.
type CampaignEvent struct {
	ID         string    `db:"id" json:"id"`
	CampaignID string    `db:"campaign_id" json:"campaign_id"`
	Kind       string    `db:"kind" json:"kind"`
	Code       string    `db:"code" json:"code,omitempty"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
