package repository

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

var (
	ErrIdempotencyKeyTaken = errors.New("repository: idempotency key already has a live attempt")
	ErrTokenCollision      = errors.New("repository: tracking token already in use")
)

type BidCardRepositoryInterface interface {
	Create(ctx context.Context, b *model.BidCard) error
	GetByID(ctx context.Context, id string) (*model.BidCard, error)
	UpdatePlanning(ctx context.Context, b *model.BidCard) error
	UpdateStatus(ctx context.Context, id, status string) error
}

type ContractorQuery struct {
	Tier        int
	ProjectType string
	Location    model.Location
	ExcludeIDs  []string
	Limit       int
}

type ContractorRepositoryInterface interface {
	Create(ctx context.Context, c *model.Contractor) error
	GetByID(ctx context.Context, id string) (*model.Contractor, error)
	Search(ctx context.Context, q ContractorQuery) ([]model.Contractor, error)
	CountByTier(ctx context.Context, projectType string, loc model.Location) (map[int]int, error)
}

type CampaignRepositoryInterface interface {
	// Create persists the campaign, strategy version 1 and its check-ins in
	// one transaction. It fails with appErrors.ErrActiveCampaign when the bid
	// card already has an active campaign.
	Create(ctx context.Context, c *model.Campaign, checkIns []*model.CheckIn) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	GetActiveByBidCard(ctx context.Context, bidCardID string) (*model.Campaign, error)
	List(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListActive(ctx context.Context) ([]*model.Campaign, error)

	// UpdateStatus and AppendStrategy are conditional on the row version and
	// return appErrors.ErrConflict when it moved.
	UpdateStatus(ctx context.Context, id string, expectedVersion int, status, reason string, ev *model.CampaignEvent) error
	AppendStrategy(ctx context.Context, id string, expectedVersion int, s model.Strategy, reason string, ev *model.CampaignEvent) (int, error)
	StrategyVersions(ctx context.Context, id string) ([]model.StrategyVersion, error)

	RecordEvent(ctx context.Context, ev *model.CampaignEvent) error
	Events(ctx context.Context, id string) ([]model.CampaignEvent, error)
}

type OutreachRepositoryInterface interface {
	// Create inserts a queued attempt. It returns ErrIdempotencyKeyTaken when a
	// non-failed attempt holds the key and ErrTokenCollision on a token clash.
	Create(ctx context.Context, a *model.OutreachAttempt) error
	GetLiveByKey(ctx context.Context, key string) (*model.OutreachAttempt, error)
	GetByToken(ctx context.Context, token string) (*model.OutreachAttempt, error)
	UpdateResult(ctx context.Context, a *model.OutreachAttempt) error
	ListByCampaign(ctx context.Context, campaignID string) ([]*model.OutreachAttempt, error)
	Stats(ctx context.Context, campaignID string) (map[string]int, error)
}

type ResponseRepositoryInterface interface {
	// Record stores the response and, for bid submissions, increments the
	// campaign's bids_received_count in the same transaction. It returns the
	// campaign's count after the write.
	Record(ctx context.Context, r *model.Response) (int, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*model.Response, error)
	CountBids(ctx context.Context, campaignID string) (int, error)
}

type CheckInRepositoryInterface interface {
	// ListDue returns pending check-ins scheduled at or before now plus fired
	// ones whose claim lease lapsed without an outcome.
	ListDue(ctx context.Context, now time.Time) ([]*model.CheckIn, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*model.CheckIn, error)
	GetByID(ctx context.Context, id string) (*model.CheckIn, error)
	Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error)
	Complete(ctx context.Context, id, owner, outcome string, actions []string) error
	Skip(ctx context.Context, id string) error
	SkipPending(ctx context.Context, campaignID string) (int, error)
	CountUnresolved(ctx context.Context) (int, error)
}

// Repositories groups the stores the orchestrator works against.
type Repositories struct {
	BidCards    BidCardRepositoryInterface
	Contractors ContractorRepositoryInterface
	Campaigns   CampaignRepositoryInterface
	Outreach    OutreachRepositoryInterface
	Responses   ResponseRepositoryInterface
	CheckIns    CheckInRepositoryInterface
}
