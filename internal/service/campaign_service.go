// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/checkin"
	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/dispatch"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/escalation"
	"github.com/unclebandit/outreach-orchestrator/internal/evaluator"
	"github.com/unclebandit/outreach-orchestrator/internal/ingest"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/metrics"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
	"github.com/unclebandit/outreach-orchestrator/internal/selector"
	"github.com/unclebandit/outreach-orchestrator/internal/strategy"
)

// CampaignService owns the campaign state machine. Every status change goes
// through transition, which is conditional on the row version.
type CampaignService struct {
	repos      *repository.Repositories
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	escalation *escalation.Controller
	checkins   *checkin.Scheduler
	tuning     *config.Holder
	log        *zap.Logger

	now      func() time.Time
	draining atomic.Bool
	wake     chan struct{}
}

var _ ingest.Listener = (*CampaignService)(nil)

func NewCampaignService(
	repos *repository.Repositories,
	sel *selector.Selector,
	dispatcher *dispatch.Dispatcher,
	tuning *config.Holder,
	owner string,
	log *zap.Logger,
) *CampaignService {
	log = logging.OrNop(log)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &CampaignService{
		repos:      repos,
		selector:   sel,
		dispatcher: dispatcher,
		escalation: escalation.NewController(repos.Campaigns, repos.Outreach, sel, dispatcher, tuning, log),
		checkins:   checkin.NewScheduler(repos.CheckIns, tuning, owner, log),
		tuning:     tuning,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		wake:       make(chan struct{}, 1),
	}
}

// SetClock replaces the wall clock, for tests.
func (s *CampaignService) SetClock(now func() time.Time) {
	s.now = now
}

// SetDraining stops or resumes campaign creation.
func (s *CampaignService) SetDraining(on bool) {
	s.draining.Store(on)
	s.Wake()
}

func (s *CampaignService) Draining() bool {
	return s.draining.Load()
}

// Wake nudges the driver loop without blocking.
func (s *CampaignService) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CampaignService) Wakeups() <-chan struct{} {
	return s.wake
}

// ====================== Bid cards ======================

func (s *CampaignService) RegisterBidCard(ctx context.Context, card *model.BidCard) error {
	if strings.TrimSpace(card.ProjectType) == "" {
		return appErrors.Errorf(appErrors.KindInvalidInput, "bid_card.register", "project_type is required")
	}
	if card.BidsNeeded < 0 {
		return appErrors.Errorf(appErrors.KindInvalidInput, "bid_card.register", "bids_needed must not be negative")
	}
	card.Status = model.BidCardStatusOpen
	return s.repos.BidCards.Create(ctx, card)
}

// ====================== Creation ======================

// CreateCampaignRequest starts outreach for a bid card. Nil planning fields
// fall back to the values stored on the bid card.
type CreateCampaignRequest struct {
	BidCardID              string   `json:"bid_card_id" validate:"required"`
	BidsNeeded             *int     `json:"bids_needed" validate:"omitempty,gte=0"`
	TimelineHours          *float64 `json:"timeline_hours"`
	GroupBiddingProjectIDs []string `json:"group_bidding_project_ids" validate:"omitempty,dive,required"`
}

type CreateCampaignResult struct {
	Campaign   *model.Campaign
	Contacted  map[int]int
	Failed     int
	Replaced   int
	Shortfalls []string
}

func (s *CampaignService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*CreateCampaignResult, error) {
	if s.Draining() {
		return nil, appErrors.Errorf(appErrors.KindDraining, "campaign.create", "orchestrator is draining")
	}
	if strings.TrimSpace(req.BidCardID) == "" {
		return nil, appErrors.Errorf(appErrors.KindInvalidInput, "campaign.create", "bid_card_id is required")
	}

	card, err := s.repos.BidCards.GetByID(ctx, req.BidCardID)
	if err != nil {
		return nil, err
	}
	if req.BidsNeeded != nil {
		card.BidsNeeded = *req.BidsNeeded
	}
	if req.TimelineHours != nil {
		card.TimelineHours = *req.TimelineHours
	}
	if req.GroupBiddingProjectIDs != nil {
		card.GroupBiddingProjectIDs = req.GroupBiddingProjectIDs
	}
	if card.BidsNeeded < 0 {
		return nil, appErrors.Errorf(appErrors.KindInvalidInput, "campaign.create", "bids_needed must not be negative")
	}

	active, err := s.repos.Campaigns.GetActiveByBidCard(ctx, card.ID)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "campaign.create", err)
	}
	if active != nil {
		return nil, appErrors.Errorf(appErrors.KindActiveCampaignExists, "campaign.create",
			"bid card %s already has active campaign %s", card.ID, active.ID)
	}

	available, risks, err := s.selector.Availability(ctx, card.ProjectType, card.Location)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "campaign.availability", err)
	}

	now := s.now()
	plan := strategy.Compute(strategy.Input{
		BidsNeeded:             card.BidsNeeded,
		TimelineHours:          card.TimelineHours,
		Available:              available,
		ProjectType:            card.ProjectType,
		GroupBiddingProjectIDs: card.GroupBiddingProjectIDs,
		Now:                    now,
	}, s.tuning.Get())
	for _, r := range risks {
		if !plan.HasRisk(r) {
			plan.RiskFactors = append(plan.RiskFactors, r)
		}
	}

	timeline := time.Duration(0)
	if card.TimelineHours > 0 {
		timeline = time.Duration(card.TimelineHours * float64(time.Hour))
	}
	campaign := &model.Campaign{
		ID:            uuid.NewString(),
		BidCardID:     card.ID,
		Status:        model.CampaignStatusActive,
		Strategy:      plan,
		BidsNeeded:    card.BidsNeeded,
		TimelineHours: card.TimelineHours,
		CreatedAt:     now,
		DeadlineAt:    now.Add(timeline),
	}
	if err := s.repos.Campaigns.Create(ctx, campaign, checkin.Build(campaign.ID, plan)); err != nil {
		return nil, err
	}
	metrics.CampaignTransitionsTotal.WithLabelValues(model.CampaignStatusActive).Inc()
	if err := s.repos.BidCards.UpdatePlanning(ctx, card); err != nil {
		s.log.Warn("bid card planning not saved", zap.String("bid_card_id", card.ID), zap.Error(err))
	}
	if err := s.repos.BidCards.UpdateStatus(ctx, card.ID, model.BidCardStatusCollecting); err != nil {
		s.log.Warn("bid card status not saved", zap.String("bid_card_id", card.ID), zap.Error(err))
	}
	s.log.Info("campaign created",
		zap.String("campaign_id", campaign.ID),
		zap.String("bid_card_id", card.ID),
		zap.String("urgency", plan.UrgencyLevel),
		zap.Int("to_contact", plan.TotalToContact),
		zap.Strings("risk_factors", plan.RiskFactors))

	result := &CreateCampaignResult{Campaign: campaign, Contacted: map[int]int{}}
	if card.BidsNeeded == 0 {
		done, err := s.transition(ctx, campaign.ID, model.CampaignStatusCompleted, model.EventCompleted,
			"no bids needed")
		if err != nil {
			return nil, err
		}
		result.Campaign = done
		return result, nil
	}

	out, err := escalation.Outreach(ctx, s.selector, s.dispatcher, campaign.ID, card, plan.ToContact, nil, campaign.StrategyVersion)
	if err != nil {
		s.recordError(ctx, campaign.ID, "campaign.initial_outreach", err)
		return nil, err
	}
	result.Contacted = out.Dispatched
	result.Failed = out.Failed
	result.Replaced = out.Replaced
	result.Shortfalls = out.RiskFactors
	if out.Failed > 0 || out.Total() < plan.TotalToContact {
		detail := fmt.Sprintf("contacted %d of %d planned, %d failed, %d replaced",
			out.Total(), plan.TotalToContact, out.Failed, out.Replaced)
		s.event(ctx, campaign.ID, model.EventDispatch, "", detail)
	}
	s.Wake()
	return result, nil
}

// ====================== Check-ins ======================

// CheckInResult is what one fired check-in decided. It is nil when the
// check-in was not ours to fire.
type CheckInResult struct {
	CheckIn    *model.CheckIn
	Verdict    evaluator.Verdict
	Escalation *escalation.Result
}

func (s *CampaignService) OnCheckInDue(ctx context.Context, checkInID string) (*CheckInResult, error) {
	ci, err := s.repos.CheckIns.GetByID(ctx, checkInID)
	if err != nil {
		return nil, err
	}
	return s.fire(ctx, ci, s.now())
}

func (s *CampaignService) fire(ctx context.Context, ci *model.CheckIn, now time.Time) (*CheckInResult, error) {
	if ci.ScheduledAt.After(now) {
		return nil, nil
	}
	campaign, err := s.repos.Campaigns.GetByID(ctx, ci.CampaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.IsActive() && ci.Status == model.CheckInPending {
		return nil, s.repos.CheckIns.Skip(ctx, ci.ID)
	}
	if campaign.IsActive() && !now.Before(campaign.DeadlineAt) {
		_, err := s.deadline(ctx, campaign.ID)
		return nil, err
	}

	claimed, err := s.checkins.Claim(ctx, ci, now)
	if err != nil || !claimed {
		return nil, err
	}
	if campaign, err = s.repos.Campaigns.GetByID(ctx, ci.CampaignID); err != nil {
		return nil, err
	}

	remaining, err := s.remaining(ctx, campaign)
	if err != nil {
		return nil, err
	}
	v := evaluator.Evaluate(evaluator.Input{
		Campaign:  campaign,
		CheckIn:   ci,
		Remaining: remaining,
		Now:       now,
	}, s.tuning.Get())
	res := &CheckInResult{CheckIn: ci, Verdict: v}
	actions := append([]string{}, v.Notes...)

	switch {
	case !campaign.IsActive():
		actions = append(actions, fmt.Sprintf("campaign %s; no action", campaign.Status))
	case v.Outcome == model.OutcomeCompleted:
		if _, err := s.transition(ctx, campaign.ID, model.CampaignStatusCompleted, model.EventCompleted,
			fmt.Sprintf("%d of %d bids received", v.Received, campaign.BidsNeeded)); err != nil && !appErrors.Is(err, appErrors.KindInvalidTransition) {
			return nil, err
		}
		actions = append(actions, "campaign completed")
	case v.Outcome == model.OutcomeBehind || v.Outcome == model.OutcomeCritical:
		esc, err := s.escalate(ctx, campaign, v)
		switch {
		case err != nil:
			s.recordError(ctx, campaign.ID, "campaign.escalate", err)
			actions = append(actions, "escalation failed: "+err.Error())
		default:
			res.Escalation = &esc
			actions = append(actions, esc.Actions...)
		}
	}

	if err := s.checkins.Complete(ctx, ci, v.Outcome, actions); err != nil {
		if appErrors.Is(err, appErrors.KindInvariantViolation) {
			s.fail(ctx, campaign.ID, err)
		}
		return nil, err
	}
	ci.Outcome = v.Outcome
	ci.ActionsTaken = actions
	metrics.CheckInsTotal.WithLabelValues(v.Outcome).Inc()
	s.event(ctx, campaign.ID, model.EventCheckIn, v.Outcome,
		fmt.Sprintf("check-in %d: %d of %d expected bids", ci.CheckInNumber, v.Received, v.Expected))
	s.log.Info("check-in fired",
		zap.String("campaign_id", campaign.ID),
		zap.Int("check_in_number", ci.CheckInNumber),
		zap.String("outcome", v.Outcome),
		zap.Float64("ratio", v.Ratio))
	return res, nil
}

func (s *CampaignService) escalate(ctx context.Context, campaign *model.Campaign, v evaluator.Verdict) (escalation.Result, error) {
	card, err := s.repos.BidCards.GetByID(ctx, campaign.BidCardID)
	if err != nil {
		return escalation.Result{}, err
	}
	return s.escalation.Escalate(ctx, campaign, card, v)
}

// remaining is discovered supply per tier minus contractors the campaign has
// already tried.
func (s *CampaignService) remaining(ctx context.Context, campaign *model.Campaign) (map[int]int, error) {
	card, err := s.repos.BidCards.GetByID(ctx, campaign.BidCardID)
	if err != nil {
		return nil, err
	}
	available, _, err := s.selector.Availability(ctx, card.ProjectType, card.Location)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "campaign.availability", err)
	}
	attempts, err := s.repos.Outreach.ListByCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, a := range attempts {
		if seen[a.ContractorID] {
			continue
		}
		seen[a.ContractorID] = true
		if available[a.ActualTier] > 0 {
			available[a.ActualTier]--
		}
	}
	return available, nil
}

// ====================== Responses & deadlines ======================

// OnResponse completes the campaign once enough bids have arrived. Late
// responses to a closed campaign are kept but change nothing.
func (s *CampaignService) OnResponse(ctx context.Context, r *model.Response) error {
	if !r.CountsAsBid() {
		return nil
	}
	defer s.Wake()
	c, err := s.repos.Campaigns.GetByID(ctx, r.CampaignID)
	if err != nil {
		return err
	}
	if !c.IsActive() {
		s.event(ctx, c.ID, model.EventLateSignal, c.Status,
			fmt.Sprintf("bid from %s after campaign %s", r.ContractorID, c.Status))
		return nil
	}
	// the deadline may have passed without a driver tick yet
	if !s.now().Before(c.DeadlineAt) || (!r.ReceivedAt.IsZero() && !r.ReceivedAt.Before(c.DeadlineAt)) {
		s.event(ctx, c.ID, model.EventLateSignal, c.Status,
			fmt.Sprintf("bid from %s at or after the deadline", r.ContractorID))
		_, err := s.deadline(ctx, c.ID)
		if appErrors.Is(err, appErrors.KindInvalidTransition) {
			return nil
		}
		return err
	}
	if c.BidsReceivedCount < c.BidsNeeded {
		return nil
	}
	_, err = s.transition(ctx, c.ID, model.CampaignStatusCompleted, model.EventCompleted,
		fmt.Sprintf("%d of %d bids received", c.BidsReceivedCount, c.BidsNeeded))
	if appErrors.Is(err, appErrors.KindInvalidTransition) {
		return nil
	}
	return err
}

// OnDeadlineReached expires an active campaign. Campaigns that never had
// check-ins get their one evaluation here.
func (s *CampaignService) OnDeadlineReached(ctx context.Context, campaignID string) (*model.Campaign, error) {
	return s.deadline(ctx, campaignID)
}

func (s *CampaignService) deadline(ctx context.Context, campaignID string) (*model.Campaign, error) {
	c, err := s.repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive() {
		return c, nil
	}
	onTime, err := s.bidsBefore(ctx, c.ID, c.DeadlineAt)
	if err != nil {
		return nil, err
	}
	// judge only the bids that beat the deadline
	judged := *c
	judged.BidsReceivedCount = onTime
	v := evaluator.Evaluate(evaluator.Input{Campaign: &judged, Now: s.now()}, s.tuning.Get())
	if len(c.Strategy.Thresholds) == 0 {
		metrics.CheckInsTotal.WithLabelValues(v.Outcome).Inc()
		s.event(ctx, c.ID, model.EventCheckIn, v.Outcome, strings.Join(v.Notes, "; "))
	}
	if v.Outcome == model.OutcomeCompleted {
		return s.transition(ctx, c.ID, model.CampaignStatusCompleted, model.EventCompleted,
			fmt.Sprintf("%d of %d bids received", onTime, c.BidsNeeded))
	}
	return s.transition(ctx, c.ID, model.CampaignStatusExpired, model.EventExpired,
		fmt.Sprintf("deadline reached with %d of %d bids", onTime, c.BidsNeeded))
}

// bidsBefore counts bids received strictly before cutoff.
func (s *CampaignService) bidsBefore(ctx context.Context, campaignID string, cutoff time.Time) (int, error) {
	responses, err := s.repos.Responses.ListByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range responses {
		if r.CountsAsBid() && r.ReceivedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// Cancel stops the campaign. Pending check-ins are skipped; sends already
// handed to a channel still go out.
func (s *CampaignService) Cancel(ctx context.Context, campaignID, reason string) (*model.Campaign, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}
	return s.transition(ctx, campaignID, model.CampaignStatusCancelled, model.EventCancelled, reason)
}

// ====================== State machine ======================

func (s *CampaignService) transition(ctx context.Context, campaignID, to, eventKind, reason string) (*model.Campaign, error) {
	var out *model.Campaign
	err := repository.RetryOnConflict(ctx, s.tuning.Get().MaxConflictRetries, func(ctx context.Context) error {
		c, err := s.repos.Campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return err
		}
		if !model.CanTransition(c.Status, to) {
			return appErrors.Errorf(appErrors.KindInvalidTransition, "campaign.transition",
				"campaign %s is %s, cannot become %s", campaignID, c.Status, to)
		}
		ev := &model.CampaignEvent{CampaignID: campaignID, Kind: eventKind, Code: to, Detail: reason}
		if err := s.repos.Campaigns.UpdateStatus(ctx, campaignID, c.Version, to, reason, ev); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CampaignTransitionsTotal.WithLabelValues(to).Inc()
	s.log.Info("campaign transition",
		zap.String("campaign_id", campaignID),
		zap.String("from", out.Status),
		zap.String("to", to),
		zap.String("reason", reason))

	if n, err := s.checkins.SkipPending(ctx, campaignID); err != nil {
		s.log.Warn("pending check-ins not skipped", zap.String("campaign_id", campaignID), zap.Error(err))
	} else if n > 0 {
		s.log.Debug("skipped pending check-ins", zap.String("campaign_id", campaignID), zap.Int("count", n))
	}
	cardStatus := model.BidCardStatusOpen
	if to == model.CampaignStatusCompleted {
		cardStatus = model.BidCardStatusBidsReached
	}
	if err := s.repos.BidCards.UpdateStatus(ctx, out.BidCardID, cardStatus); err != nil {
		s.log.Warn("bid card status not saved", zap.String("bid_card_id", out.BidCardID), zap.Error(err))
	}
	s.Wake()
	return s.repos.Campaigns.GetByID(ctx, campaignID)
}

// fail parks the campaign in error for an operator.
func (s *CampaignService) fail(ctx context.Context, campaignID string, cause error) {
	s.log.Error("campaign invariant violated", zap.String("campaign_id", campaignID), zap.Error(cause))
	if _, err := s.transition(ctx, campaignID, model.CampaignStatusError, model.EventError, cause.Error()); err != nil {
		s.log.Error("campaign not moved to error", zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

func (s *CampaignService) recordError(ctx context.Context, campaignID, op string, err error) {
	s.log.Warn("campaign operation failed",
		zap.String("campaign_id", campaignID), zap.String("op", op), zap.Error(err))
	s.event(ctx, campaignID, model.EventError, string(appErrors.KindOf(err)), op+": "+err.Error())
}

func (s *CampaignService) event(ctx context.Context, campaignID, kind, code, detail string) {
	ev := &model.CampaignEvent{CampaignID: campaignID, Kind: kind, Code: code, Detail: detail, CreatedAt: s.now()}
	if err := s.repos.Campaigns.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("campaign event not recorded", zap.String("campaign_id", campaignID), zap.String("kind", kind), zap.Error(err))
	}
}

// ====================== Queries ======================

type CampaignDetails struct {
	Campaign         *model.Campaign         `json:"campaign"`
	StrategyVersions []model.StrategyVersion `json:"strategy_versions"`
	CheckIns         []*model.CheckIn        `json:"check_ins"`
	Stats            map[string]int          `json:"stats"`
	Events           []model.CampaignEvent   `json:"events"`
}

func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*CampaignDetails, error) {
	c, err := s.repos.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.repos.Campaigns.StrategyVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	checkIns, err := s.repos.CheckIns.ListByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.repos.Outreach.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.repos.Campaigns.Events(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":                   0,
		model.AttemptStatusQueued: 0,
		model.AttemptStatusSent:   0,
		model.AttemptStatusFailed: 0,
	}
	for status, n := range counts {
		stats[status] = n
		stats["total"] += n
	}
	stats["bids_received"] = c.BidsReceivedCount

	return &CampaignDetails{
		Campaign:         c,
		StrategyVersions: versions,
		CheckIns:         checkIns,
		Stats:            stats,
		Events:           events,
	}, nil
}

// ListCampaigns fetches campaigns with pagination, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.repos.Campaigns.List(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

// Idle reports whether nothing is left for the driver: no active campaign
// and no unresolved check-in.
func (s *CampaignService) Idle(ctx context.Context) (bool, error) {
	active, err := s.repos.Campaigns.ListActive(ctx)
	if err != nil {
		return false, err
	}
	if len(active) > 0 {
		return false, nil
	}
	n, err := s.repos.CheckIns.CountUnresolved(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
