// Package escalation turns behind and critical verdicts into extra outreach
// and a new strategy version.
package escalation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/dispatch"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/evaluator"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/metrics"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
	"github.com/unclebandit/outreach-orchestrator/internal/selector"
)

type Result struct {
	StrategyVersion int
	Dispatched      map[int]int
	Failed          int
	Replaced        int
	RiskFactors     []string
	Actions         []string
}

func (r Result) Total() int {
	n := 0
	for _, v := range r.Dispatched {
		n += v
	}
	return n
}

type Controller struct {
	campaigns  repository.CampaignRepositoryInterface
	attempts   repository.OutreachRepositoryInterface
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	tuning     *config.Holder
	log        *zap.Logger
}

func NewController(
	campaigns repository.CampaignRepositoryInterface,
	attempts repository.OutreachRepositoryInterface,
	sel *selector.Selector,
	dispatcher *dispatch.Dispatcher,
	tuning *config.Holder,
	log *zap.Logger,
) *Controller {
	return &Controller{
		campaigns:  campaigns,
		attempts:   attempts,
		selector:   sel,
		dispatcher: dispatcher,
		tuning:     tuning,
		log:        logging.OrNop(log),
	}
}

// ContactedIDs lists every contractor the campaign has attempted, failed
// attempts included.
func ContactedIDs(ctx context.Context, attempts repository.OutreachRepositoryInterface, campaignID string) ([]string, error) {
	list, err := attempts.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if !seen[a.ContractorID] {
			seen[a.ContractorID] = true
			out = append(out, a.ContractorID)
		}
	}
	return out, nil
}

// Outreach selects plan and dispatches it at strategyVersion. Failed sends
// are replaced once by contractors not yet tried.
func Outreach(
	ctx context.Context,
	sel *selector.Selector,
	dispatcher *dispatch.Dispatcher,
	campaignID string,
	card *model.BidCard,
	plan map[int]int,
	exclude []string,
	strategyVersion int,
) (Result, error) {
	res := Result{Dispatched: map[int]int{}}
	excluded := append([]string(nil), exclude...)

	round := func(plan map[int]int) (map[int]int, error) {
		picked, err := sel.SelectPlan(ctx, plan, card.ProjectType, card.Location, excluded)
		if err != nil {
			return nil, err
		}
		for _, r := range picked.RiskFactors {
			res.RiskFactors = appendUnique(res.RiskFactors, r)
		}
		reqs := make([]dispatch.Request, 0, len(picked.Candidates))
		for _, cand := range picked.Candidates {
			excluded = append(excluded, cand.Contractor.ID)
			reqs = append(reqs, dispatch.Request{
				CampaignID:      campaignID,
				Contractor:      cand.Contractor,
				IntendedTier:    cand.IntendedTier,
				StrategyVersion: strategyVersion,
				BidCard:         card,
			})
		}
		failed := map[int]int{}
		for _, r := range dispatcher.DispatchAll(ctx, reqs) {
			if r.Err != nil {
				failed[r.Request.IntendedTier]++
				res.Failed++
				continue
			}
			res.Dispatched[r.Request.IntendedTier]++
		}
		return failed, nil
	}

	failed, err := round(plan)
	if err != nil {
		return res, err
	}
	if len(failed) > 0 && ctx.Err() == nil {
		before := res.Total()
		if _, err := round(failed); err != nil {
			return res, err
		}
		res.Replaced = res.Total() - before
	}
	return res, nil
}

// Escalate dispatches v.Escalation for the campaign and appends the grown
// strategy as a new version. It does nothing once the campaign is no longer
// active.
func (c *Controller) Escalate(ctx context.Context, campaign *model.Campaign, card *model.BidCard, v evaluator.Verdict) (Result, error) {
	if v.Escalation == nil || v.Escalation.Total() == 0 {
		return Result{Dispatched: map[int]int{}, RiskFactors: v.RiskFactors}, nil
	}
	current, err := c.campaigns.GetByID(ctx, campaign.ID)
	if err != nil {
		return Result{}, err
	}
	if !current.IsActive() {
		return Result{}, appErrors.Errorf(appErrors.KindInvalidTransition, "escalation", "campaign is %s", current.Status)
	}
	exclude, err := ContactedIDs(ctx, c.attempts, campaign.ID)
	if err != nil {
		return Result{}, appErrors.E(appErrors.KindTransientIO, "escalation.contacted", err)
	}

	version := current.StrategyVersion + 1
	res, err := Outreach(ctx, c.selector, c.dispatcher, campaign.ID, card, v.Escalation.AdditionalByTier, exclude, version)
	if err != nil {
		return res, err
	}
	for _, r := range v.RiskFactors {
		res.RiskFactors = appendUnique(res.RiskFactors, r)
	}
	for tier, n := range res.Dispatched {
		metrics.EscalationContactsTotal.WithLabelValues(fmt.Sprint(tier)).Add(float64(n))
	}
	res.Actions = append(res.Actions, describe(v, res))

	if res.Total() == 0 {
		c.log.Warn("escalation dispatched nothing",
			zap.String("campaign_id", campaign.ID), zap.Int("failed", res.Failed))
		return res, nil
	}

	reason := fmt.Sprintf("%s at %d/%d bids", v.Outcome, v.Received, v.Expected)
	err = repository.RetryOnConflict(ctx, c.tuning.Get().MaxConflictRetries, func(ctx context.Context) error {
		current, err := c.campaigns.GetByID(ctx, campaign.ID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			return appErrors.Errorf(appErrors.KindInvalidTransition, "escalation", "campaign is %s", current.Status)
		}
		next := grow(current.Strategy, res, v)
		n, err := c.campaigns.AppendStrategy(ctx, current.ID, current.Version, next, reason, &model.CampaignEvent{
			CampaignID: current.ID,
			Kind:       model.EventEscalated,
			Code:       v.Outcome,
			Detail:     strings.Join(res.Actions, "; "),
		})
		if err != nil {
			return err
		}
		res.StrategyVersion = n
		return nil
	})
	if err != nil {
		c.recordStale(ctx, campaign.ID, version, res, err)
		return res, err
	}
	c.log.Info("campaign escalated",
		zap.String("campaign_id", campaign.ID),
		zap.Int("strategy_version", res.StrategyVersion),
		zap.Int("contacted", res.Total()),
		zap.Int("failed", res.Failed))
	return res, nil
}

// recordStale notes sends that went out under a version the campaign never
// got, so the attempts can still be explained.
func (c *Controller) recordStale(ctx context.Context, campaignID string, version int, res Result, cause error) {
	ev := &model.CampaignEvent{
		CampaignID: campaignID,
		Kind:       model.EventStaleVersion,
		Code:       string(appErrors.KindOf(cause)),
		Detail: fmt.Sprintf("%d sends tagged strategy version %d, which was not appended: %v",
			res.Total(), version, cause),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.campaigns.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		c.log.Warn("stale version event failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}
	c.log.Warn("escalation sends left without a strategy version",
		zap.String("campaign_id", campaignID),
		zap.Int("strategy_version", version),
		zap.Int("contacted", res.Total()),
		zap.Error(cause))
}

// grow adds what was actually dispatched to the plan.
func grow(s model.Strategy, res Result, v evaluator.Verdict) model.Strategy {
	next := s.Clone()
	for tier, n := range res.Dispatched {
		next.ToContact[tier] += n
		gain := float64(n) * next.ResponseRates[tier]
		next.ExpectedResponses[tier] += gain
		next.TotalToContact += n
		next.ExpectedTotalResponses += gain
	}
	if next.BidsNeeded > 0 {
		next.ConfidenceRaw = 100 * next.ExpectedTotalResponses / float64(next.BidsNeeded)
		next.ConfidenceScore = math.Max(0, math.Min(200, next.ConfidenceRaw))
	}
	for _, r := range res.RiskFactors {
		next.RiskFactors = appendUnique(next.RiskFactors, r)
	}
	next.Recommendations = append(next.Recommendations, res.Actions...)
	if v.LowConfidence {
		next.Recommendations = append(next.Recommendations, "late escalation; consider extending the timeline")
	}
	next.ComputedAt = time.Now().UTC()
	return next
}

func describe(v evaluator.Verdict, res Result) string {
	tiers := make([]int, 0, len(res.Dispatched))
	for tier := range res.Dispatched {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	parts := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		parts = append(parts, fmt.Sprintf("tier %d: %d", tier, res.Dispatched[tier]))
	}
	out := fmt.Sprintf("%s escalation contacted %d (%s)", v.Outcome, res.Total(), strings.Join(parts, ", "))
	if res.Failed > 0 {
		out += fmt.Sprintf(", %d failed, %d replaced", res.Failed, res.Replaced)
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
