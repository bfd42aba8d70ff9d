package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/discovery"
	"github.com/unclebandit/outreach-orchestrator/internal/dispatch"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/ingest"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
	"github.com/unclebandit/outreach-orchestrator/internal/selector"
	"github.com/unclebandit/outreach-orchestrator/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var austin = model.Location{City: "Austin", State: "TX", Zip: "78701"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	repos    *repository.Repositories
	svc      *service.CampaignService
	ingestor *ingest.Ingestor
	clock    *clock
	start    time.Time
}

// newHarness seeds tiers with the given counts of Austin contractors.
func newHarness(t *testing.T, supply map[int]int) *harness {
	t.Helper()
	ctx := context.Background()
	tuning := config.DefaultTuning()
	tuning.RetryMinBackoff = time.Millisecond
	tuning.RetryMaxBackoff = 2 * time.Millisecond
	holder := config.StaticHolder(tuning)

	repos := repository.NewMemoryRepositories()
	for tier := 1; tier <= 3; tier++ {
		for i := 0; i < supply[tier]; i++ {
			id := fmt.Sprintf("t%d-%02d", tier, i)
			require.NoError(t, repos.Contractors.Create(ctx, &model.Contractor{
				ID:          id,
				CompanyName: "Contractor " + id,
				Email:       id + "@example.com",
				Tier:        tier,
				Location:    austin,
				IsAvailable: true,
			}))
		}
	}

	ok := dispatch.ChannelFunc(func(_ context.Context, req dispatch.SendRequest) (dispatch.Receipt, error) {
		return dispatch.Receipt{MessageID: "msg-" + req.TrackingToken, Status: model.AttemptStatusSent}, nil
	})
	sel := selector.New(discovery.NewRegistryDiscoverer(repos.Contractors), holder, nil)
	disp := dispatch.NewDispatcher(repos.Outreach, map[string]dispatch.Channel{
		model.ChannelEmail: ok,
		model.ChannelSMS:   ok,
		model.ChannelForm:  ok,
	}, nil, holder, "https://bids.example.com", nil)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clk := &clock{t: start}
	svc := service.NewCampaignService(repos, sel, disp, holder, "test-worker", nil)
	svc.SetClock(clk.Now)

	ing := ingest.NewIngestor(repos.Outreach, repos.Responses, nil, holder, nil)
	ing.SetListener(svc)
	return &harness{repos: repos, svc: svc, ingestor: ing, clock: clk, start: start}
}

func (h *harness) bidCard(t *testing.T, id string, bids int, hours float64) *model.BidCard {
	t.Helper()
	card := &model.BidCard{ID: id, ProjectType: "roofing", Location: austin, BidsNeeded: bids, TimelineHours: hours}
	require.NoError(t, h.svc.RegisterBidCard(context.Background(), card))
	return card
}

// bid submits a bid through each of the first n attempts not yet used.
func (h *harness) bid(t *testing.T, campaignID string, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	attempts, err := h.repos.Outreach.ListByCampaign(ctx, campaignID)
	require.NoError(t, err)
	responses, err := h.repos.Responses.ListByCampaign(ctx, campaignID)
	require.NoError(t, err)
	used := map[string]bool{}
	for _, r := range responses {
		used[r.TrackingToken] = true
	}
	for _, a := range attempts {
		if n == 0 {
			return
		}
		if used[a.TrackingToken] || a.Status == model.AttemptStatusFailed {
			continue
		}
		_, err := h.ingestor.Ingest(ctx, a.TrackingToken, model.ResponseBidSubmitted, []byte(`{"amount":1200}`), at)
		require.NoError(t, err)
		n--
	}
	require.Zero(t, n, "not enough attempts to bid through")
}

func intPtr(v int) *int { return &v }

func TestCreateCampaignDispatchesInitialPlan(t *testing.T) {
	h := newHarness(t, map[int]int{1: 2, 2: 8, 3: 15})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 4, 48)

	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)

	c := res.Campaign
	assert.Equal(t, model.CampaignStatusActive, c.Status)
	assert.Equal(t, 1, c.StrategyVersion)
	assert.Equal(t, model.UrgencyStandard, c.Strategy.UrgencyLevel)
	assert.Equal(t, h.start.Add(48*time.Hour), c.DeadlineAt)
	contacted := 0
	for tier, n := range res.Contacted {
		assert.Equal(t, c.Strategy.ToContact[tier], n)
		contacted += n
	}
	assert.Equal(t, c.Strategy.TotalToContact, contacted)
	assert.Zero(t, res.Failed)
	assert.GreaterOrEqual(t, c.Strategy.ExpectedTotalResponses, 5.2-1e-9)

	attempts, err := h.repos.Outreach.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, c.Strategy.TotalToContact)
	tokens := map[string]bool{}
	for _, a := range attempts {
		assert.Equal(t, model.AttemptStatusSent, a.Status)
		assert.False(t, tokens[a.TrackingToken])
		tokens[a.TrackingToken] = true
	}

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, checkIns, 3)
	assert.Equal(t, h.start.Add(12*time.Hour), checkIns[0].ScheduledAt)
	assert.Equal(t, h.start.Add(24*time.Hour), checkIns[1].ScheduledAt)
	assert.Equal(t, h.start.Add(36*time.Hour), checkIns[2].ScheduledAt)

	card, err := h.repos.BidCards.GetByID(ctx, "bc-1")
	require.NoError(t, err)
	assert.Equal(t, model.BidCardStatusCollecting, card.Status)
}

func TestCreateCampaignRefusesSecondActive(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)

	_, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	_, err = h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.KindActiveCampaignExists, appErrors.KindOf(err))

	active, err := h.repos.Campaigns.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateCampaignValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)

	_, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{})
	assert.Equal(t, appErrors.KindInvalidInput, appErrors.KindOf(err))

	_, err = h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1", BidsNeeded: intPtr(-1)})
	assert.Equal(t, appErrors.KindInvalidInput, appErrors.KindOf(err))

	_, err = h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "missing"})
	assert.Equal(t, appErrors.KindNotFound, appErrors.KindOf(err))
}

func TestCreateCampaignWithoutSupply(t *testing.T) {
	h := newHarness(t, nil)
	h.bidCard(t, "bc-1", 3, 48)

	res, err := h.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusActive, res.Campaign.Status)
	assert.Zero(t, res.Campaign.Strategy.TotalToContact)
	assert.True(t, res.Campaign.Strategy.HasRisk(model.RiskInsufficientSupply))
}

func TestZeroBidsNeededCompletesImmediately(t *testing.T) {
	h := newHarness(t, map[int]int{1: 3})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 0, 24)

	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, res.Campaign.Status)

	attempts, err := h.repos.Outreach.ListByCampaign(ctx, res.Campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestDrainingRejectsCreation(t *testing.T) {
	h := newHarness(t, map[int]int{1: 3})
	h.bidCard(t, "bc-1", 1, 24)
	h.svc.SetDraining(true)

	_, err := h.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{BidCardID: "bc-1"})
	assert.Equal(t, appErrors.KindDraining, appErrors.KindOf(err))
}

func TestCampaignCompletesOnEnoughBids(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	id := res.Campaign.ID

	h.bid(t, id, 1, h.start.Add(time.Hour))
	c, err := h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusActive, c.Status)

	h.bid(t, id, 1, h.start.Add(2*time.Hour))
	c, err = h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, c.Status)
	assert.Equal(t, 2, c.BidsReceivedCount)

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, id)
	require.NoError(t, err)
	for _, ci := range checkIns {
		assert.Equal(t, model.CheckInSkipped, ci.Status)
	}
	card, err := h.repos.BidCards.GetByID(ctx, "bc-1")
	require.NoError(t, err)
	assert.Equal(t, model.BidCardStatusBidsReached, card.Status)
}

func TestNonBidResponsesDoNotComplete(t *testing.T) {
	h := newHarness(t, map[int]int{1: 3})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 1, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)

	attempts, err := h.repos.Outreach.ListByCampaign(ctx, res.Campaign.ID)
	require.NoError(t, err)
	_, err = h.ingestor.Ingest(ctx, attempts[0].TrackingToken, model.ResponseView, nil, h.start)
	require.NoError(t, err)

	c, err := h.repos.Campaigns.GetByID(ctx, res.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusActive, c.Status)
	assert.Zero(t, c.BidsReceivedCount)
}

func TestCheckInBehindEscalates(t *testing.T) {
	h := newHarness(t, map[int]int{1: 3, 2: 8, 3: 10})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 4, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	id := res.Campaign.ID
	initial := res.Campaign.Strategy.TotalToContact

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkIns, 3)
	require.Equal(t, 2, checkIns[1].ExpectedBidsAtTime)

	h.bid(t, id, 1, h.start.Add(time.Hour))

	h.clock.Set(h.start.Add(12 * time.Hour))
	first, err := h.svc.OnCheckInDue(ctx, checkIns[0].ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.OutcomeOnTrack, first.Verdict.Outcome)

	h.clock.Set(h.start.Add(24 * time.Hour))
	second, err := h.svc.OnCheckInDue(ctx, checkIns[1].ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, model.OutcomeBehind, second.Verdict.Outcome)
	assert.InDelta(t, 0.5, second.Verdict.Ratio, 1e-9)
	require.NotNil(t, second.Escalation)
	assert.Equal(t, 2, second.Escalation.StrategyVersion)
	assert.Positive(t, second.Escalation.Total())

	c, err := h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.StrategyVersion)
	assert.Equal(t, initial+second.Escalation.Total(), c.Strategy.TotalToContact)

	attempts, err := h.repos.Outreach.ListByCampaign(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attempts, initial+second.Escalation.Total())
	contractors := map[string]bool{}
	for _, a := range attempts {
		assert.False(t, contractors[a.ContractorID], "contractor %s contacted twice", a.ContractorID)
		contractors[a.ContractorID] = true
	}

	// Later progress must not rewrite the recorded outcome.
	h.bid(t, id, 3, h.start.Add(30*time.Hour))
	c, err = h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, c.Status)

	details, err := h.svc.GetCampaignDetails(ctx, id)
	require.NoError(t, err)
	require.Len(t, details.CheckIns, 3)
	assert.Equal(t, model.OutcomeOnTrack, details.CheckIns[0].Outcome)
	assert.Equal(t, model.OutcomeBehind, details.CheckIns[1].Outcome)
	assert.NotEmpty(t, details.CheckIns[1].ActionsTaken)
	assert.Equal(t, model.CheckInSkipped, details.CheckIns[2].Status)
	require.Len(t, details.StrategyVersions, 2)
	assert.Equal(t, 4, details.Stats["bids_received"])
}

func TestCheckInWaitsForPredecessor(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, res.Campaign.ID)
	require.NoError(t, err)
	h.clock.Set(h.start.Add(25 * time.Hour))

	out, err := h.svc.OnCheckInDue(ctx, checkIns[1].ID)
	require.NoError(t, err)
	assert.Nil(t, out)

	again, err := h.repos.CheckIns.GetByID(ctx, checkIns[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckInPending, again.Status)
}

func TestCheckInFiresOnce(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, res.Campaign.ID)
	require.NoError(t, err)
	h.clock.Set(h.start.Add(13 * time.Hour))

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.OnCheckInDue(ctx, checkIns[0].ID)
			if err == nil && out != nil {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fired)
}

func TestCancelSkipsPendingCheckIns(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 48)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)

	c, err := h.svc.Cancel(ctx, res.Campaign.ID, "homeowner withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCancelled, c.Status)
	assert.Equal(t, "homeowner withdrew", c.StatusReason)
	assert.NotNil(t, c.ClosedAt)

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	for _, ci := range checkIns {
		assert.Equal(t, model.CheckInSkipped, ci.Status)
	}

	_, err = h.svc.Cancel(ctx, c.ID, "again")
	assert.Equal(t, appErrors.KindInvalidTransition, appErrors.KindOf(err))

	// The bid card is free for a fresh campaign.
	_, err = h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
}

func TestLateResponseIsRecordedButDoesNotComplete(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 1, 1)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	id := res.Campaign.ID
	deadline := res.Campaign.DeadlineAt

	h.clock.Set(deadline)
	expired, err := h.svc.OnDeadlineReached(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExpired, expired.Status)

	h.bid(t, id, 1, deadline.Add(10*time.Second))

	c, err := h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExpired, c.Status)
	assert.Equal(t, 1, c.BidsReceivedCount)

	responses, err := h.repos.Responses.ListByCampaign(ctx, id)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, id, responses[0].CampaignID)

	events, err := h.repos.Campaigns.Events(ctx, id)
	require.NoError(t, err)
	kinds := []string{}
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, model.EventExpired)
	assert.Contains(t, kinds, model.EventLateSignal)
}

func TestBidAfterDeadlineExpiresBeforeAnyTick(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 1, 1)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	id := res.Campaign.ID
	late := res.Campaign.DeadlineAt.Add(10 * time.Second)

	h.clock.Set(late)
	h.bid(t, id, 1, late)

	c, err := h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExpired, c.Status)
	assert.Equal(t, 1, c.BidsReceivedCount)

	responses, err := h.repos.Responses.ListByCampaign(ctx, id)
	require.NoError(t, err)
	assert.Len(t, responses, 1)

	checkIns, err := h.repos.CheckIns.ListByCampaign(ctx, id)
	require.NoError(t, err)
	for _, ci := range checkIns {
		assert.Equal(t, model.CheckInSkipped, ci.Status)
	}
}

func TestDeadlineIgnoresBidsReceivedLate(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 1)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	id := res.Campaign.ID
	deadline := res.Campaign.DeadlineAt

	h.bid(t, id, 1, h.start.Add(10*time.Minute))
	// the clock lags behind the bid timestamp, so only received_at is late
	h.bid(t, id, 1, deadline.Add(time.Second))

	c, err := h.repos.Campaigns.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExpired, c.Status)
	assert.Equal(t, 2, c.BidsReceivedCount)
	assert.Contains(t, c.StatusReason, "1 of 2")
}

func TestDeadlineWithoutCheckInsEvaluatesOnce(t *testing.T) {
	h := newHarness(t, map[int]int{1: 5})
	ctx := context.Background()
	h.bidCard(t, "bc-1", 2, 0.2)
	res, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: "bc-1"})
	require.NoError(t, err)
	assert.True(t, res.Campaign.Strategy.HasRisk(model.RiskNoCheckIns))

	h.bid(t, res.Campaign.ID, 1, h.start.Add(time.Minute))
	h.clock.Set(res.Campaign.DeadlineAt)
	c, err := h.svc.OnDeadlineReached(ctx, res.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExpired, c.Status)

	events, err := h.repos.Campaigns.Events(ctx, c.ID)
	require.NoError(t, err)
	evaluations := 0
	for _, ev := range events {
		if ev.Kind == model.EventCheckIn {
			evaluations++
			assert.Equal(t, model.OutcomeBehind, ev.Code)
		}
	}
	assert.Equal(t, 1, evaluations)
}

func TestListCampaignsPagination(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("bc-%d", i)
		h.bidCard(t, id, 1, 24)
		_, err := h.svc.CreateCampaign(ctx, service.CreateCampaignRequest{BidCardID: id})
		require.NoError(t, err)
	}

	page1, pagination, err := h.svc.ListCampaigns(ctx, 1, 2, "")
	require.NoError(t, err)
	page3, _, err := h.svc.ListCampaigns(ctx, 3, 2, "")
	require.NoError(t, err)

	assert.Equal(t, 5, pagination["total_count"])
	assert.Equal(t, 3, pagination["total_pages"])
	require.Len(t, page1, 2)
	assert.Equal(t, "bc-5", page1[0].BidCardID, "newest first")
	assert.Len(t, page3, 1)

	_, pagination, err = h.svc.ListCampaigns(ctx, 0, 1000, model.CampaignStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 100, pagination["page_size"])
	assert.Zero(t, pagination["total_count"])
}
