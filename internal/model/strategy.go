// internal/model/strategy.go
package model

import "time"

const (
	UrgencyEmergency    = "emergency"
	UrgencyUrgent       = "urgent"
	UrgencyStandard     = "standard"
	UrgencyGroupBidding = "group_bidding"
	UrgencyFlexible     = "flexible"
)

const (
	RiskInsufficientSupply   = "insufficient_supply"
	RiskNonPositiveTimeline  = "non_positive_timeline"
	RiskNoCheckIns           = "no_check_ins"
	RiskLowConfidence        = "low_confidence"
	RiskNoEngagement         = "no_engagement"
	RiskDiscoveryUnavailable = "discovery_unavailable"
	RiskLateEscalation       = "late_escalation"
)

// Threshold is one scheduled expectation: by At, ExpectedBids bids should
// have arrived.
type Threshold struct {
	At           time.Time `json:"at"`
	Fraction     float64   `json:"fraction"`
	ExpectedBids int       `json:"expected_bids"`
}

// Strategy is the numeric outreach plan. Maps are keyed by tier (1..3).
type Strategy struct {
	UrgencyLevel           string          `json:"urgency_level"`
	SafetyFactor           float64         `json:"safety_factor"`
	BidsNeeded             int             `json:"bids_needed"`
	TimelineHours          float64         `json:"timeline_hours"`
	ResponseRates          map[int]float64 `json:"response_rates"`
	ToContact              map[int]int     `json:"to_contact"`
	ExpectedResponses      map[int]float64 `json:"expected_responses"`
	TotalToContact         int             `json:"total_to_contact"`
	ExpectedTotalResponses float64         `json:"expected_total_responses"`
	CheckInTimes           []time.Time     `json:"check_in_times"`
	EscalationThresholds   map[string]int  `json:"escalation_thresholds"`
	Thresholds             []Threshold     `json:"thresholds"`
	ConfidenceScore        float64         `json:"confidence_score"`
	ConfidenceRaw          float64         `json:"confidence_raw"`
	IsGroupBidding         bool            `json:"is_group_bidding"`
	RiskFactors            []string        `json:"risk_factors"`
	Recommendations        []string        `json:"recommendations"`
	ComputedAt             time.Time       `json:"computed_at"`
}

func (s Strategy) HasRisk(risk string) bool {
	for _, r := range s.RiskFactors {
		if r == risk {
			return true
		}
	}
	return false
}

// TargetResponses is the number of expected responses the plan aims for.
func (s Strategy) TargetResponses() float64 {
	return float64(s.BidsNeeded) * s.SafetyFactor
}

// Clone returns a deep copy so escalations never mutate an earlier version.
func (s Strategy) Clone() Strategy {
	out := s
	out.ResponseRates = make(map[int]float64, len(s.ResponseRates))
	for k, v := range s.ResponseRates {
		out.ResponseRates[k] = v
	}
	out.ToContact = make(map[int]int, len(s.ToContact))
	for k, v := range s.ToContact {
		out.ToContact[k] = v
	}
	out.ExpectedResponses = make(map[int]float64, len(s.ExpectedResponses))
	for k, v := range s.ExpectedResponses {
		out.ExpectedResponses[k] = v
	}
	out.EscalationThresholds = make(map[string]int, len(s.EscalationThresholds))
	for k, v := range s.EscalationThresholds {
		out.EscalationThresholds[k] = v
	}
	out.CheckInTimes = append([]time.Time(nil), s.CheckInTimes...)
	out.Thresholds = append([]Threshold(nil), s.Thresholds...)
	out.RiskFactors = append([]string(nil), s.RiskFactors...)
	out.Recommendations = append([]string(nil), s.Recommendations...)
	return out
}

// StrategyVersion is one row of the append-only strategy history.
type StrategyVersion struct {
	CampaignID string    `db:"campaign_id" json:"campaign_id"`
	Version    int       `db:"version" json:"version"`
	Strategy   Strategy  `db:"-" json:"strategy"`
	Reason     string    `db:"reason" json:"reason"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
