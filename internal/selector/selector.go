// Package selector turns per-tier contact counts into ordered contractor
// candidates.
package selector

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/discovery"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// Candidate is a selected contractor. ActualTier differs from IntendedTier
// when the pick came from an adjacent tier.
type Candidate struct {
	Contractor   model.Contractor
	IntendedTier int
	ActualTier   int
	Score        float64
}

type Request struct {
	Tier        int
	Count       int
	ProjectType string
	Location    model.Location
	Exclude     []string
}

type Result struct {
	Candidates  []Candidate
	RiskFactors []string
}

func (r *Result) addRisk(risk string) {
	for _, existing := range r.RiskFactors {
		if existing == risk {
			return
		}
	}
	r.RiskFactors = append(r.RiskFactors, risk)
}

// CountByTier returns how many candidates were picked for each intended tier.
func (r Result) CountByTier() map[int]int {
	out := map[int]int{}
	for _, c := range r.Candidates {
		out[c.IntendedTier]++
	}
	return out
}

type Selector struct {
	disc   discovery.Discoverer
	tuning *config.Holder
	log    *zap.Logger
}

func New(disc discovery.Discoverer, tuning *config.Holder, log *zap.Logger) *Selector {
	return &Selector{disc: disc, tuning: tuning, log: logging.OrNop(log)}
}

// Availability reports contractor supply per tier. An unavailable backend
// yields zero supply and the discovery_unavailable risk.
func (s *Selector) Availability(ctx context.Context, projectType string, loc model.Location) (map[int]int, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.tuning.Get().DiscoveryTimeout)
	defer cancel()

	counts, err := s.disc.Availability(ctx, projectType, loc)
	if unavailable(err) {
		s.log.Warn("discovery unavailable for availability", zap.Error(err))
		return map[int]int{model.TierInternal: 0, model.TierPriorContact: 0, model.TierCold: 0},
			[]string{model.RiskDiscoveryUnavailable}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for _, t := range model.Tiers {
		if _, ok := counts[t]; !ok {
			counts[t] = 0
		}
	}
	return counts, nil, nil
}

// Select fills req.Count from req.Tier, then from the tier above and the tier
// below when the native tier runs short.
func (s *Selector) Select(ctx context.Context, req Request) (Result, error) {
	var res Result
	if req.Count <= 0 {
		return res, nil
	}
	exclude := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		exclude[id] = true
	}

	for _, tier := range []int{req.Tier, req.Tier - 1, req.Tier + 1} {
		need := req.Count - len(res.Candidates)
		if need <= 0 {
			break
		}
		if !model.ValidTier(tier) {
			continue
		}
		found, err := s.discover(ctx, tier, req, exclude)
		if unavailable(err) {
			s.log.Warn("discovery unavailable", zap.Int("tier", tier), zap.Error(err))
			res.addRisk(model.RiskDiscoveryUnavailable)
			continue
		}
		if err != nil {
			return res, err
		}

		ranked := rank(found, req.ProjectType, req.Location, req.Tier)
		if len(ranked) > need {
			ranked = ranked[:need]
		}
		for _, c := range ranked {
			exclude[c.Contractor.ID] = true
		}
		res.Candidates = append(res.Candidates, ranked...)
	}

	if len(res.Candidates) < req.Count {
		res.addRisk(model.RiskInsufficientSupply)
	}
	return res, nil
}

// SelectPlan selects every tier of plan in tier order, carrying exclusions
// across tiers so no contractor appears twice.
func (s *Selector) SelectPlan(ctx context.Context, plan map[int]int, projectType string, loc model.Location, exclude []string) (Result, error) {
	var out Result
	excluded := append([]string(nil), exclude...)
	for _, tier := range model.Tiers {
		if plan[tier] <= 0 {
			continue
		}
		res, err := s.Select(ctx, Request{
			Tier:        tier,
			Count:       plan[tier],
			ProjectType: projectType,
			Location:    loc,
			Exclude:     excluded,
		})
		if err != nil {
			return out, err
		}
		for _, c := range res.Candidates {
			excluded = append(excluded, c.Contractor.ID)
		}
		out.Candidates = append(out.Candidates, res.Candidates...)
		for _, r := range res.RiskFactors {
			out.addRisk(r)
		}
	}
	return out, nil
}

func (s *Selector) discover(ctx context.Context, tier int, req Request, exclude map[string]bool) ([]model.Contractor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.tuning.Get().DiscoveryTimeout)
	defer cancel()

	ids := make([]string, 0, len(exclude))
	for id := range exclude {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	found, err := s.disc.Discover(ctx, discovery.Query{
		Tier:        tier,
		ProjectType: req.ProjectType,
		Location:    req.Location,
		Exclude:     ids,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, discovery.ErrUnavailable
		}
		return nil, err
	}

	// backends may ignore the exclusion list
	out := found[:0]
	for _, c := range found {
		if !exclude[c.ID] && c.IsAvailable {
			out = append(out, c)
		}
	}
	return out, nil
}

func unavailable(err error) bool {
	return errors.Is(err, discovery.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func rank(found []model.Contractor, projectType string, loc model.Location, intended int) []Candidate {
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, Candidate{
			Contractor:   c,
			IntendedTier: intended,
			ActualTier:   c.Tier,
			Score:        Score(c, projectType, loc, intended),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Contractor.ID < out[j].Contractor.ID
	})
	return out
}

// Score is the composite ordering key: specialty match, geographic
// proximity, known response rate and tier-native rank.
func Score(c model.Contractor, projectType string, loc model.Location, intended int) float64 {
	score := 0.0
	if c.HasSpecialty(projectType) {
		score += 3
	}
	score += proximity(c.Location, loc)
	if c.ResponseRate != nil {
		score += 2 * *c.ResponseRate
	}
	if c.Tier == intended {
		score++
	}
	return score
}

func proximity(a, b model.Location) float64 {
	switch {
	case a.Zip != "" && a.Zip == b.Zip:
		return 2
	case a.City != "" && strings.EqualFold(a.City, b.City) && strings.EqualFold(a.State, b.State):
		return 1
	case a.State != "" && strings.EqualFold(a.State, b.State):
		return 0.5
	}
	return 0
}
