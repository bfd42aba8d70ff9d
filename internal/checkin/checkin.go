// Package checkin persists the check-in schedule and arbitrates which
// worker fires each check-in.
package checkin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

// Build turns the strategy's thresholds into pending check-in rows numbered
// from 1.
func Build(campaignID string, s model.Strategy) []*model.CheckIn {
	out := make([]*model.CheckIn, 0, len(s.Thresholds))
	for i, th := range s.Thresholds {
		out = append(out, &model.CheckIn{
			CampaignID:         campaignID,
			CheckInNumber:      i + 1,
			ScheduledAt:        th.At,
			ExpectedBidsAtTime: th.ExpectedBids,
			Status:             model.CheckInPending,
			ActionsTaken:       []string{},
		})
	}
	return out
}

// Batch is the due work of one campaign, in check-in order.
type Batch struct {
	CampaignID string
	CheckIns   []*model.CheckIn
}

type Scheduler struct {
	repo   repository.CheckInRepositoryInterface
	tuning *config.Holder
	owner  string
	log    *zap.Logger
}

func NewScheduler(repo repository.CheckInRepositoryInterface, tuning *config.Holder, owner string, log *zap.Logger) *Scheduler {
	return &Scheduler{repo: repo, tuning: tuning, owner: owner, log: logging.OrNop(log)}
}

func (s *Scheduler) Owner() string { return s.owner }

// Due groups claimable check-ins by campaign.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]Batch, error) {
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}
	var out []Batch
	index := map[string]int{}
	for _, ci := range due {
		i, ok := index[ci.CampaignID]
		if !ok {
			i = len(out)
			index[ci.CampaignID] = i
			out = append(out, Batch{CampaignID: ci.CampaignID})
		}
		out[i].CheckIns = append(out[i].CheckIns, ci)
	}
	return out, nil
}

// Claim takes exclusive ownership of a check-in for the lease period. It
// declines while a lower-numbered check-in of the same campaign is
// unresolved, so check-ins always fire in number order.
func (s *Scheduler) Claim(ctx context.Context, ci *model.CheckIn, now time.Time) (bool, error) {
	siblings, err := s.repo.ListByCampaign(ctx, ci.CampaignID)
	if err != nil {
		return false, err
	}
	for _, other := range siblings {
		if other.CheckInNumber < ci.CheckInNumber && !other.Resolved() {
			s.log.Debug("check-in waits for predecessor",
				zap.String("campaign_id", ci.CampaignID),
				zap.Int("check_in_number", ci.CheckInNumber),
				zap.Int("waiting_on", other.CheckInNumber))
			return false, nil
		}
	}
	ok, err := s.repo.Claim(ctx, ci.ID, s.owner, now, s.tuning.Get().ClaimLease)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Info("check-in claimed elsewhere", zap.String("check_in_id", ci.ID))
	}
	return ok, nil
}

// Complete records the outcome of a claimed check-in. The outcome of a
// check-in never changes once written.
func (s *Scheduler) Complete(ctx context.Context, ci *model.CheckIn, outcome string, actions []string) error {
	siblings, err := s.repo.ListByCampaign(ctx, ci.CampaignID)
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.CheckInNumber < ci.CheckInNumber && !other.Resolved() {
			return appErrors.Errorf(appErrors.KindInvariantViolation, "checkin.complete",
				"check-in %d completed before check-in %d", ci.CheckInNumber, other.CheckInNumber)
		}
	}
	return s.repo.Complete(ctx, ci.ID, s.owner, outcome, actions)
}

func (s *Scheduler) SkipPending(ctx context.Context, campaignID string) (int, error) {
	return s.repo.SkipPending(ctx, campaignID)
}
