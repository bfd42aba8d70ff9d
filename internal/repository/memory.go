package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// memoryStore keeps every table behind one mutex so multi-table writes are
// atomic the same way a Postgres transaction is.
type memoryStore struct {
	mu sync.Mutex

	bidCards    map[string]*model.BidCard
	contractors map[string]*model.Contractor
	campaigns   map[string]*model.Campaign
	versions    map[string][]model.StrategyVersion
	events      map[string][]model.CampaignEvent
	attempts    map[string]*model.OutreachAttempt
	responses   []*model.Response
	checkIns    map[string]*model.CheckIn

	contractorOrder []string
	campaignOrder   []string
}

// NewMemoryRepositories returns repositories backed by process memory. Used
// by tests and STORE=memory.
func NewMemoryRepositories() *Repositories {
	s := &memoryStore{
		bidCards:    map[string]*model.BidCard{},
		contractors: map[string]*model.Contractor{},
		campaigns:   map[string]*model.Campaign{},
		versions:    map[string][]model.StrategyVersion{},
		events:      map[string][]model.CampaignEvent{},
		attempts:    map[string]*model.OutreachAttempt{},
		checkIns:    map[string]*model.CheckIn{},
	}
	return &Repositories{
		BidCards:    &memoryBidCards{s},
		Contractors: &memoryContractors{s},
		Campaigns:   &memoryCampaigns{s},
		Outreach:    &memoryOutreach{s},
		Responses:   &memoryResponses{s},
		CheckIns:    &memoryCheckIns{s},
	}
}

func copyBidCard(b *model.BidCard) *model.BidCard {
	out := *b
	out.GroupBiddingProjectIDs = append([]string(nil), b.GroupBiddingProjectIDs...)
	out.Details = append([]byte(nil), b.Details...)
	return &out
}

func copyContractor(c *model.Contractor) model.Contractor {
	out := *c
	out.Specialties = append([]string(nil), c.Specialties...)
	if c.ResponseRate != nil {
		r := *c.ResponseRate
		out.ResponseRate = &r
	}
	return out
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	out := *c
	out.Strategy = c.Strategy.Clone()
	return &out
}

func copyCheckIn(c *model.CheckIn) *model.CheckIn {
	out := *c
	out.ActionsTaken = append([]string(nil), c.ActionsTaken...)
	return &out
}

// ====================== Bid cards ======================

type memoryBidCards struct{ s *memoryStore }

func (r *memoryBidCards) Create(_ context.Context, b *model.BidCard) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, ok := r.s.bidCards[b.ID]; ok {
		return appErrors.Errorf(appErrors.KindDuplicate, "bid_cards.create", "bid card %s exists", b.ID)
	}
	if b.Status == "" {
		b.Status = model.BidCardStatusOpen
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	r.s.bidCards[b.ID] = copyBidCard(b)
	return nil
}

func (r *memoryBidCards) GetByID(_ context.Context, id string) (*model.BidCard, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bidCards[id]
	if !ok {
		return nil, appErrors.Errorf(appErrors.KindNotFound, "bid_cards.get", "bid card %s not found", id)
	}
	return copyBidCard(b), nil
}

func (r *memoryBidCards) UpdatePlanning(_ context.Context, b *model.BidCard) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.bidCards[b.ID]
	if !ok {
		return appErrors.Errorf(appErrors.KindNotFound, "bid_cards.update", "bid card %s not found", b.ID)
	}
	cur.BidsNeeded = b.BidsNeeded
	cur.TimelineHours = b.TimelineHours
	cur.GroupBiddingProjectIDs = append([]string(nil), b.GroupBiddingProjectIDs...)
	return nil
}

func (r *memoryBidCards) UpdateStatus(_ context.Context, id, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.bidCards[id]
	if !ok {
		return appErrors.Errorf(appErrors.KindNotFound, "bid_cards.update_status", "bid card %s not found", id)
	}
	cur.Status = status
	return nil
}

// ====================== Contractors ======================

type memoryContractors struct{ s *memoryStore }

func (r *memoryContractors) Create(_ context.Context, c *model.Contractor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := r.s.contractors[c.ID]; !ok {
		r.s.contractorOrder = append(r.s.contractorOrder, c.ID)
	}
	cp := copyContractor(c)
	r.s.contractors[c.ID] = &cp
	return nil
}

func (r *memoryContractors) GetByID(_ context.Context, id string) (*model.Contractor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contractors[id]
	if !ok {
		return nil, appErrors.Errorf(appErrors.KindNotFound, "contractors.get", "contractor %s not found", id)
	}
	cp := copyContractor(c)
	return &cp, nil
}

func matchesQuery(c *model.Contractor, tier int, loc model.Location) bool {
	if !c.IsAvailable || c.Tier != tier {
		return false
	}
	return loc.State == "" || c.Location.State == loc.State
}

func (r *memoryContractors) Search(_ context.Context, q ContractorQuery) ([]model.Contractor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	excluded := make(map[string]bool, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = true
	}
	out := []model.Contractor{}
	for _, id := range r.s.contractorOrder {
		c := r.s.contractors[id]
		if excluded[id] || !matchesQuery(c, q.Tier, q.Location) {
			continue
		}
		out = append(out, copyContractor(c))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryContractors) CountByTier(_ context.Context, _ string, loc model.Location) (map[int]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[int]int{}
	for _, t := range model.Tiers {
		counts[t] = 0
	}
	for _, c := range r.s.contractors {
		if matchesQuery(c, c.Tier, loc) {
			counts[c.Tier]++
		}
	}
	return counts, nil
}

// ====================== Campaigns ======================

type memoryCampaigns struct{ s *memoryStore }

func (r *memoryCampaigns) Create(_ context.Context, c *model.Campaign, checkIns []*model.CheckIn) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.Status == model.CampaignStatusActive {
		for _, other := range r.s.campaigns {
			if other.BidCardID == c.BidCardID && other.IsActive() {
				return appErrors.E(appErrors.KindActiveCampaignExists, "campaigns.create", nil)
			}
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Version = 1
	c.StrategyVersion = 1
	r.s.campaigns[c.ID] = copyCampaign(c)
	r.s.campaignOrder = append(r.s.campaignOrder, c.ID)
	r.s.versions[c.ID] = []model.StrategyVersion{{
		CampaignID: c.ID,
		Version:    1,
		Strategy:   c.Strategy.Clone(),
		Reason:     "initial",
		CreatedAt:  c.CreatedAt,
	}}
	for _, ci := range checkIns {
		if ci.ID == "" {
			ci.ID = uuid.NewString()
		}
		ci.CampaignID = c.ID
		if ci.Status == "" {
			ci.Status = model.CheckInPending
		}
		r.s.checkIns[ci.ID] = copyCheckIn(ci)
	}
	r.s.appendEvent(&model.CampaignEvent{CampaignID: c.ID, Kind: model.EventCreated, CreatedAt: c.CreatedAt})
	return nil
}

// appendEvent must be called with mu held.
func (s *memoryStore) appendEvent(ev *model.CampaignEvent) {
	if ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events[ev.CampaignID] = append(s.events[ev.CampaignID], *ev)
}

func (r *memoryCampaigns) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (r *memoryCampaigns) GetActiveByBidCard(_ context.Context, bidCardID string) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.campaigns {
		if c.BidCardID == bidCardID && c.IsActive() {
			return copyCampaign(c), nil
		}
	}
	return nil, nil
}

func (r *memoryCampaigns) List(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	matched := []*model.Campaign{}
	for i := len(r.s.campaignOrder) - 1; i >= 0; i-- {
		c := r.s.campaigns[r.s.campaignOrder[i]]
		if status != "" && c.Status != status {
			continue
		}
		matched = append(matched, c)
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*model.Campaign, 0, end-offset)
	for _, c := range matched[offset:end] {
		out = append(out, copyCampaign(c))
	}
	return out, total, nil
}

func (r *memoryCampaigns) ListActive(_ context.Context) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Campaign{}
	for _, id := range r.s.campaignOrder {
		if c := r.s.campaigns[id]; c.IsActive() {
			out = append(out, copyCampaign(c))
		}
	}
	return out, nil
}

func (r *memoryCampaigns) UpdateStatus(_ context.Context, id string, expectedVersion int, status, reason string, ev *model.CampaignEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Version != expectedVersion {
		return appErrors.E(appErrors.KindConcurrencyConflict, "campaigns.update_status", nil)
	}
	now := time.Now().UTC()
	c.Status = status
	c.StatusReason = reason
	c.Version++
	c.UpdatedAt = &now
	if status != model.CampaignStatusActive {
		c.ClosedAt = &now
	}
	r.s.appendEvent(ev)
	return nil
}

func (r *memoryCampaigns) AppendStrategy(_ context.Context, id string, expectedVersion int, s model.Strategy, reason string, ev *model.CampaignEvent) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return 0, appErrors.NewCampaignNotFound(id)
	}
	if c.Version != expectedVersion {
		return 0, appErrors.E(appErrors.KindConcurrencyConflict, "campaigns.append_strategy", nil)
	}
	now := time.Now().UTC()
	c.StrategyVersion++
	c.Strategy = s.Clone()
	c.Version++
	c.UpdatedAt = &now
	r.s.versions[id] = append(r.s.versions[id], model.StrategyVersion{
		CampaignID: id,
		Version:    c.StrategyVersion,
		Strategy:   s.Clone(),
		Reason:     reason,
		CreatedAt:  now,
	})
	r.s.appendEvent(ev)
	return c.StrategyVersion, nil
}

func (r *memoryCampaigns) StrategyVersions(_ context.Context, id string) ([]model.StrategyVersion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.StrategyVersion, 0, len(r.s.versions[id]))
	for _, v := range r.s.versions[id] {
		v.Strategy = v.Strategy.Clone()
		out = append(out, v)
	}
	return out, nil
}

func (r *memoryCampaigns) RecordEvent(_ context.Context, ev *model.CampaignEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendEvent(ev)
	return nil
}

func (r *memoryCampaigns) Events(_ context.Context, id string) ([]model.CampaignEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.CampaignEvent(nil), r.s.events[id]...), nil
}

// ====================== Outreach attempts ======================

type memoryOutreach struct{ s *memoryStore }

func (r *memoryOutreach) Create(_ context.Context, a *model.OutreachAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.attempts {
		if other.TrackingToken == a.TrackingToken {
			return ErrTokenCollision
		}
		if other.IdempotencyKey == a.IdempotencyKey && other.Status != model.AttemptStatusFailed {
			return ErrIdempotencyKeyTaken
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.AttemptStatusQueued
	}
	cp := *a
	r.s.attempts[a.ID] = &cp
	return nil
}

func (r *memoryOutreach) GetLiveByKey(_ context.Context, key string) (*model.OutreachAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.IdempotencyKey == key && a.Status != model.AttemptStatusFailed {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryOutreach) GetByToken(_ context.Context, token string) (*model.OutreachAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.TrackingToken == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryOutreach) UpdateResult(_ context.Context, a *model.OutreachAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.attempts[a.ID]
	if !ok {
		return appErrors.Errorf(appErrors.KindNotFound, "outreach.update", "attempt %s not found", a.ID)
	}
	cur.Status = a.Status
	cur.RenderedContent = a.RenderedContent
	cur.MessageID = a.MessageID
	cur.LastError = a.LastError
	cur.RetryCount = a.RetryCount
	cur.SentAt = a.SentAt
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryOutreach) ListByCampaign(_ context.Context, campaignID string) ([]*model.OutreachAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.OutreachAttempt{}
	for _, a := range r.s.attempts {
		if a.CampaignID == campaignID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryOutreach) Stats(_ context.Context, campaignID string) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := map[string]int{
		model.AttemptStatusQueued: 0,
		model.AttemptStatusSent:   0,
		model.AttemptStatusFailed: 0,
	}
	for _, a := range r.s.attempts {
		if a.CampaignID == campaignID {
			stats[a.Status]++
		}
	}
	return stats, nil
}

// ====================== Responses ======================

type memoryResponses struct{ s *memoryStore }

func (r *memoryResponses) Record(_ context.Context, resp *model.Response) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[resp.CampaignID]
	if !ok {
		return 0, appErrors.NewCampaignNotFound(resp.CampaignID)
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	cp := *resp
	r.s.responses = append(r.s.responses, &cp)
	if resp.CountsAsBid() {
		c.BidsReceivedCount++
		c.Version++
	}
	return c.BidsReceivedCount, nil
}

func (r *memoryResponses) ListByCampaign(_ context.Context, campaignID string) ([]*model.Response, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Response{}
	for _, resp := range r.s.responses {
		if resp.CampaignID == campaignID {
			cp := *resp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryResponses) CountBids(_ context.Context, campaignID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, resp := range r.s.responses {
		if resp.CampaignID == campaignID && resp.CountsAsBid() {
			n++
		}
	}
	return n, nil
}

// ====================== Check-ins ======================

type memoryCheckIns struct{ s *memoryStore }

func claimable(c *model.CheckIn, now time.Time) bool {
	if c.Status == model.CheckInPending {
		return true
	}
	return c.Status == model.CheckInFired && c.Outcome == "" &&
		c.LeaseExpiresAt != nil && c.LeaseExpiresAt.Before(now)
}

func sortCheckIns(list []*model.CheckIn) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CampaignID != list[j].CampaignID {
			return list[i].CampaignID < list[j].CampaignID
		}
		return list[i].CheckInNumber < list[j].CheckInNumber
	})
}

func (r *memoryCheckIns) ListDue(_ context.Context, now time.Time) ([]*model.CheckIn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.CheckIn{}
	for _, c := range r.s.checkIns {
		if !c.ScheduledAt.After(now) && claimable(c, now) {
			out = append(out, copyCheckIn(c))
		}
	}
	sortCheckIns(out)
	return out, nil
}

func (r *memoryCheckIns) ListByCampaign(_ context.Context, campaignID string) ([]*model.CheckIn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.CheckIn{}
	for _, c := range r.s.checkIns {
		if c.CampaignID == campaignID {
			out = append(out, copyCheckIn(c))
		}
	}
	sortCheckIns(out)
	return out, nil
}

func (r *memoryCheckIns) GetByID(_ context.Context, id string) (*model.CheckIn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkIns[id]
	if !ok {
		return nil, appErrors.Errorf(appErrors.KindNotFound, "check_ins.get", "check-in %s not found", id)
	}
	return copyCheckIn(c), nil
}

func (r *memoryCheckIns) Claim(_ context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkIns[id]
	if !ok {
		return false, appErrors.Errorf(appErrors.KindNotFound, "check_ins.claim", "check-in %s not found", id)
	}
	if !claimable(c, now) {
		return false, nil
	}
	expires := now.Add(lease)
	fired := now
	c.Status = model.CheckInFired
	c.FiredAt = &fired
	c.ClaimedBy = owner
	c.LeaseExpiresAt = &expires
	return true, nil
}

func (r *memoryCheckIns) Complete(_ context.Context, id, owner, outcome string, actions []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkIns[id]
	if !ok {
		return appErrors.Errorf(appErrors.KindNotFound, "check_ins.complete", "check-in %s not found", id)
	}
	if c.Status != model.CheckInFired || c.Outcome != "" || c.ClaimedBy != owner {
		return appErrors.E(appErrors.KindConcurrencyConflict, "check_ins.complete", nil)
	}
	c.Outcome = outcome
	c.ActionsTaken = append([]string{}, actions...)
	c.LeaseExpiresAt = nil
	return nil
}

func (r *memoryCheckIns) Skip(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkIns[id]
	if !ok {
		return appErrors.Errorf(appErrors.KindNotFound, "check_ins.skip", "check-in %s not found", id)
	}
	if c.Status == model.CheckInPending {
		c.Status = model.CheckInSkipped
	}
	return nil
}

func (r *memoryCheckIns) SkipPending(_ context.Context, campaignID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.checkIns {
		if c.CampaignID == campaignID && c.Status == model.CheckInPending {
			c.Status = model.CheckInSkipped
			n++
		}
	}
	return n, nil
}

func (r *memoryCheckIns) CountUnresolved(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.checkIns {
		if !c.Resolved() {
			n++
		}
	}
	return n, nil
}
