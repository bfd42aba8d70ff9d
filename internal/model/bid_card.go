// internal/model/bid_card.go
package model

import "time"

type Location struct {
	City  string `db:"city" json:"city" yaml:"city"`
	State string `db:"state" json:"state" yaml:"state"`
	Zip   string `db:"zip" json:"zip" yaml:"zip"`
}

func (l Location) String() string {
	switch {
	case l.City != "" && l.State != "":
		return l.City + ", " + l.State
	case l.Zip != "":
		return l.Zip
	}
	return l.City + l.State
}

// BidCard is a homeowner project. Details is passed through to outreach
// collaborators untouched.
type BidCard struct {
	ID                     string    `db:"id" json:"id" yaml:"id"`
	ProjectType            string    `db:"project_type" json:"project_type" yaml:"project_type"`
	Location               Location  `db:"-" json:"location" yaml:"location"`
	BudgetMin              float64   `db:"budget_min" json:"budget_min" yaml:"budget_min"`
	BudgetMax              float64   `db:"budget_max" json:"budget_max" yaml:"budget_max"`
	TimelineHours          float64   `db:"timeline_hours" json:"timeline_hours" yaml:"timeline_hours"`
	BidsNeeded             int       `db:"bids_needed" json:"bids_needed" yaml:"bids_needed"`
	GroupBiddingProjectIDs []string  `db:"-" json:"group_bidding_project_ids,omitempty" yaml:"group_bidding_project_ids"`
	Status                 string    `db:"status" json:"status" yaml:"-"`
	Details                []byte    `db:"details" json:"details,omitempty" yaml:"-"`
	CreatedAt              time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

const (
	BidCardStatusOpen        = "open"
	BidCardStatusCollecting  = "collecting"
	BidCardStatusBidsReached = "bids_reached"
	BidCardStatusClosed      = "closed"
)
