// Package evaluator judges campaign progress at a check-in and proposes
// escalations.
package evaluator

import (
	"fmt"
	"math"
	"time"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/strategy"
)

// Plan is a proposed escalation: extra contractors per intended tier.
type Plan struct {
	AdditionalByTier map[int]int
	TargetResponses  float64
	ExpectedGain     float64
	Deficit          int
}

func (p *Plan) Total() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, v := range p.AdditionalByTier {
		n += v
	}
	return n
}

type Verdict struct {
	Outcome       string
	Ratio         float64
	Received      int
	Expected      int
	Escalation    *Plan
	LowConfidence bool
	RiskFactors   []string
	Notes         []string
}

type Input struct {
	Campaign *model.Campaign
	// CheckIn is nil for the terminal evaluation of a campaign without
	// check-ins.
	CheckIn *model.CheckIn
	// Remaining is uncontacted supply per tier.
	Remaining map[int]int
	Now       time.Time
}

func Evaluate(in Input, t config.Tuning) Verdict {
	c := in.Campaign
	v := Verdict{Received: c.BidsReceivedCount, RiskFactors: []string{}, Notes: []string{}}

	if c.BidsReceivedCount >= c.BidsNeeded {
		v.Outcome = model.OutcomeCompleted
		v.Expected = c.BidsNeeded
		v.Ratio = ratio(v.Received, c.BidsNeeded)
		return v
	}

	if in.CheckIn == nil {
		v.Outcome = model.OutcomeBehind
		v.Expected = c.BidsNeeded
		v.Ratio = ratio(v.Received, c.BidsNeeded)
		v.Notes = append(v.Notes, "terminal evaluation; no time left to escalate")
		return v
	}

	v.Expected = in.CheckIn.ExpectedBidsAtTime
	v.Ratio = ratio(v.Received, v.Expected)

	switch {
	case v.Received == 0 && in.CheckIn.CheckInNumber >= 2:
		v.Outcome = model.OutcomeCritical
		v.RiskFactors = append(v.RiskFactors, model.RiskNoEngagement)
		v.Escalation = critical(c, in.Remaining, t)
	case v.Ratio >= 1:
		v.Outcome = model.OutcomeOnTrack
		return v
	case v.Ratio >= t.OnTrackTolerance:
		v.Outcome = model.OutcomeOnTrack
		v.Notes = append(v.Notes, fmt.Sprintf("within tolerance: %d of %d expected bids", v.Received, v.Expected))
		return v
	default:
		v.Outcome = model.OutcomeBehind
		v.Escalation = behind(c, in.CheckIn, in.Remaining, t)
	}

	timeline := time.Duration(c.TimelineHours * float64(time.Hour))
	if c.DeadlineAt.Sub(in.Now) < time.Duration(float64(timeline)*t.LateEscalationFraction) {
		v.LowConfidence = true
		v.RiskFactors = append(v.RiskFactors, model.RiskLateEscalation)
		v.Notes = append(v.Notes, "deadline close; escalation unlikely to land in time")
	}
	if v.Escalation.Total() == 0 {
		v.RiskFactors = append(v.RiskFactors, model.RiskInsufficientSupply)
		v.Notes = append(v.Notes, "no uncontacted supply left")
	}
	return v
}

func ratio(received, expected int) float64 {
	return float64(received) / math.Max(1, float64(expected))
}

// nextTarget is the bid count expected by the next check-in, or bids_needed
// after the last one.
func nextTarget(c *model.Campaign, ci *model.CheckIn) int {
	if ci.CheckInNumber < len(c.Strategy.Thresholds) {
		return c.Strategy.Thresholds[ci.CheckInNumber].ExpectedBids
	}
	return c.BidsNeeded
}

// escalationOrder starts at the tier below the lowest-quality tier in use
// and falls back to the rest in preference order.
func escalationOrder(s model.Strategy) []int {
	lowest := model.TierInternal
	for _, tier := range model.Tiers {
		if s.ToContact[tier] > 0 {
			lowest = tier
		}
	}
	start := lowest + 1
	if start > model.TierCold {
		start = model.TierCold
	}
	order := []int{start}
	for _, tier := range model.Tiers {
		if tier != start {
			order = append(order, tier)
		}
	}
	return order
}

func rates(c *model.Campaign, t config.Tuning) map[int]float64 {
	if len(c.Strategy.ResponseRates) > 0 {
		return c.Strategy.ResponseRates
	}
	return strategy.Rates(t, c.Strategy.IsGroupBidding)
}

func behind(c *model.Campaign, ci *model.CheckIn, remaining map[int]int, t config.Tuning) *Plan {
	deficit := nextTarget(c, ci) - c.BidsReceivedCount
	if deficit < 1 {
		deficit = 1
	}
	sf := c.Strategy.SafetyFactor
	if sf <= 0 {
		sf = t.SafetyFactor(c.Strategy.UrgencyLevel)
	}
	target := float64(deficit) * sf
	r := rates(c, t)
	counts, gain, _ := strategy.Budget(target, remaining, r, escalationOrder(c.Strategy))
	p := &Plan{AdditionalByTier: counts, TargetResponses: target, ExpectedGain: gain, Deficit: deficit}
	capPlan(p, r, escalationOrder(c.Strategy), t.MaxEscalationContacts)
	return p
}

func critical(c *model.Campaign, remaining map[int]int, t config.Tuning) *Plan {
	r := rates(c, t)
	p := &Plan{AdditionalByTier: map[int]int{}, Deficit: c.BidsNeeded - c.BidsReceivedCount}
	left := t.MaxEscalationContacts
	for _, tier := range model.Tiers {
		n := remaining[tier]
		if n > left {
			n = left
		}
		if n < 0 {
			n = 0
		}
		p.AdditionalByTier[tier] = n
		p.ExpectedGain += float64(n) * r[tier]
		left -= n
	}
	p.TargetResponses = float64(p.Deficit) * c.Strategy.SafetyFactor
	return p
}

// capPlan trims the plan to max contacts, dropping from the back of order.
func capPlan(p *Plan, r map[int]float64, order []int, max int) {
	over := p.Total() - max
	for i := len(order) - 1; i >= 0 && over > 0; i-- {
		tier := order[i]
		n := p.AdditionalByTier[tier]
		if n > over {
			n = over
		}
		p.AdditionalByTier[tier] -= n
		p.ExpectedGain -= float64(n) * r[tier]
		over -= n
	}
}
