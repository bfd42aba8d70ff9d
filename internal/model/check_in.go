// internal/model/check_in.go
package model

import "time"

const (
	CheckInPending = "pending"
	CheckInFired   = "fired"
	CheckInSkipped = "skipped"
)

const (
	OutcomeOnTrack   = "on_track"
	OutcomeBehind    = "behind"
	OutcomeCritical  = "critical"
	OutcomeCompleted = "completed"
)

type CheckIn struct {
	ID                 string     `db:"id" json:"id"`
	CampaignID         string     `db:"campaign_id" json:"campaign_id"`
	CheckInNumber      int        `db:"check_in_number" json:"check_in_number"`
	ScheduledAt        time.Time  `db:"scheduled_at" json:"scheduled_at"`
	ExpectedBidsAtTime int        `db:"expected_bids_at_time" json:"expected_bids_at_time"`
	Status             string     `db:"status" json:"status"`
	FiredAt            *time.Time `db:"fired_at" json:"fired_at,omitempty"`
	Outcome            string     `db:"outcome" json:"outcome,omitempty"`
	ActionsTaken       []string   `db:"-" json:"actions_taken"`
	ClaimedBy          string     `db:"claimed_by" json:"-"`
	LeaseExpiresAt     *time.Time `db:"lease_expires_at" json:"-"`
}

// Resolved reports whether the check-in no longer blocks later ones.
func (c *CheckIn) Resolved() bool {
	return c.Status == CheckInSkipped || (c.Status == CheckInFired && c.Outcome != "")
}
