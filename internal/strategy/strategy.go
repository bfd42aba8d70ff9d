// Package strategy computes outreach plans: how many contractors to contact
// per tier, when to check progress and what progress to expect by then.
// Compute is a pure function of its inputs and the tuning record.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

const eps = 1e-9

type Input struct {
	BidsNeeded             int
	TimelineHours          float64
	Available              map[int]int
	ProjectType            string
	GroupBiddingProjectIDs []string
	Now                    time.Time
}

// Classify maps a timeline and bundle size to an urgency level.
func Classify(timelineHours float64, groupSize int) string {
	switch {
	case timelineHours < 1:
		return model.UrgencyEmergency
	case timelineHours < 12:
		return model.UrgencyUrgent
	case timelineHours < 72:
		return model.UrgencyStandard
	case groupSize >= 2 && timelineHours <= 120:
		return model.UrgencyGroupBidding
	}
	return model.UrgencyFlexible
}

// Rates returns the per-tier expected response rates, boosted for bundled
// projects and clamped to the configured ceiling.
func Rates(t config.Tuning, groupBidding bool) map[int]float64 {
	out := make(map[int]float64, len(model.Tiers))
	for _, tier := range model.Tiers {
		r := t.Rate(tier)
		if groupBidding {
			r *= t.GroupBiddingBoost
		}
		if r > t.MaxResponseRate {
			r = t.MaxResponseRate
		}
		out[tier] = math.Round(r*1e6) / 1e6
	}
	return out
}

// Budget fills tiers in the given order, taking from each the fewest
// contractors that close the remaining gap to target. It reports whether
// the target was reachable with the available supply.
func Budget(target float64, available map[int]int, rates map[int]float64, order []int) (map[int]int, float64, bool) {
	counts := make(map[int]int, len(model.Tiers))
	for _, tier := range model.Tiers {
		counts[tier] = 0
	}
	remaining := target
	expected := 0.0
	for _, tier := range order {
		if remaining <= eps {
			break
		}
		rate := rates[tier]
		avail := available[tier] - counts[tier]
		if rate <= 0 || avail <= 0 {
			continue
		}
		n := int(math.Ceil(remaining/rate - eps))
		if n > avail {
			n = avail
		}
		counts[tier] += n
		remaining -= float64(n) * rate
		expected += float64(n) * rate
	}
	return counts, expected, remaining <= eps
}

func uniqueCount(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	return len(seen)
}

func Compute(in Input, t config.Tuning) model.Strategy {
	groupSize := uniqueCount(in.GroupBiddingProjectIDs)
	s := model.Strategy{
		BidsNeeded:           in.BidsNeeded,
		TimelineHours:        in.TimelineHours,
		ToContact:            map[int]int{},
		ExpectedResponses:    map[int]float64{},
		EscalationThresholds: map[string]int{},
		CheckInTimes:         []time.Time{},
		Thresholds:           []model.Threshold{},
		RiskFactors:          []string{},
		Recommendations:      []string{},
		IsGroupBidding:       groupSize >= 2,
		ComputedAt:           in.Now,
	}

	if in.TimelineHours <= 0 {
		s.UrgencyLevel = model.UrgencyEmergency
		s.RiskFactors = append(s.RiskFactors, model.RiskNonPositiveTimeline)
	} else {
		s.UrgencyLevel = Classify(in.TimelineHours, groupSize)
	}
	s.SafetyFactor = t.SafetyFactor(s.UrgencyLevel)
	s.ResponseRates = Rates(t, s.IsGroupBidding)
	for _, tier := range model.Tiers {
		s.ToContact[tier] = 0
		s.ExpectedResponses[tier] = 0
	}

	if in.BidsNeeded <= 0 {
		s.ConfidenceScore = 100
		s.ConfidenceRaw = 100
		s.Recommendations = append(s.Recommendations, "no bids needed; campaign completes on creation")
		return s
	}

	counts, _, feasible := Budget(s.TargetResponses(), in.Available, s.ResponseRates, model.Tiers)
	if !feasible {
		s.RiskFactors = append(s.RiskFactors, model.RiskInsufficientSupply)
	}
	for _, tier := range model.Tiers {
		n := counts[tier]
		s.ToContact[tier] = n
		s.ExpectedResponses[tier] = float64(n) * s.ResponseRates[tier]
		s.TotalToContact += n
		s.ExpectedTotalResponses += s.ExpectedResponses[tier]
	}

	scheduleCheckIns(&s, in, t)

	s.ConfidenceRaw = 100 * s.ExpectedTotalResponses / float64(in.BidsNeeded)
	s.ConfidenceScore = math.Max(0, math.Min(200, s.ConfidenceRaw))
	if s.ConfidenceRaw < 100 {
		s.RiskFactors = append(s.RiskFactors, model.RiskLowConfidence)
	}
	s.Recommendations = append(s.Recommendations, recommend(s, in)...)
	return s
}

func scheduleCheckIns(s *model.Strategy, in Input, t config.Tuning) {
	timeline := time.Duration(in.TimelineHours * float64(time.Hour))
	if in.TimelineHours <= 0 || timeline < t.MinCheckInTimeline {
		s.RiskFactors = append(s.RiskFactors, model.RiskNoCheckIns)
		return
	}
	for _, f := range t.CheckInFractions {
		at := in.Now.Add(time.Duration(float64(timeline) * f))
		expected := int(math.Ceil(float64(in.BidsNeeded)*f - eps))
		s.CheckInTimes = append(s.CheckInTimes, at)
		s.Thresholds = append(s.Thresholds, model.Threshold{At: at, Fraction: f, ExpectedBids: expected})
		s.EscalationThresholds[at.UTC().Format(time.RFC3339)] = expected
	}
}

func recommend(s model.Strategy, in Input) []string {
	var out []string
	tiers := make([]int, 0, len(s.ToContact))
	for tier, n := range s.ToContact {
		if n > 0 {
			tiers = append(tiers, tier)
		}
	}
	sort.Ints(tiers)
	for _, tier := range tiers {
		out = append(out, fmt.Sprintf("contact %d tier-%d contractors", s.ToContact[tier], tier))
	}
	if s.HasRisk(model.RiskInsufficientSupply) {
		out = append(out, fmt.Sprintf("supply covers %.1f of %.1f expected responses; widen discovery for %s", s.ExpectedTotalResponses, s.TargetResponses(), in.ProjectType))
	}
	if s.IsGroupBidding {
		out = append(out, "bundle outreach across grouped projects")
	}
	if s.UrgencyLevel == model.UrgencyEmergency {
		out = append(out, "prefer sms for first contact")
	}
	return out
}
