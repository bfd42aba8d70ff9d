package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/queue"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

type recordingChannel struct {
	mu    sync.Mutex
	sends []SendRequest
	fail  func(n int) error
}

func (c *recordingChannel) Send(_ context.Context, req SendRequest) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, req)
	if c.fail != nil {
		if err := c.fail(len(c.sends)); err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{MessageID: fmt.Sprintf("m-%d", len(c.sends)), Status: model.AttemptStatusSent}, nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func fastTuning() *config.Holder {
	t := config.DefaultTuning()
	t.RetryMinBackoff = time.Millisecond
	t.RetryMaxBackoff = 5 * time.Millisecond
	t.ChannelConcurrency = 2
	t.QueueCap = 2
	return config.StaticHolder(t)
}

func newDispatcher(ch Channel) (*Dispatcher, *repository.Repositories) {
	repos := repository.NewMemoryRepositories()
	d := NewDispatcher(repos.Outreach, map[string]Channel{
		model.ChannelEmail: ch,
		model.ChannelSMS:   ch,
		model.ChannelForm:  ch,
	}, nil, fastTuning(), "https://bids.example.com/", nil)
	return d, repos
}

var card = &model.BidCard{ID: "bc", ProjectType: "roofing", Location: model.Location{City: "Austin", State: "TX"}}

func contractor(id string) model.Contractor {
	return model.Contractor{ID: id, CompanyName: "Co " + id, Email: id + "@example.com", Tier: 1}
}

func TestTrackingTokenFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tok, err := NewTrackingToken()
		require.NoError(t, err)
		assert.True(t, ValidTrackingToken(tok), tok)
		assert.Equal(t, strings.ToLower(tok), tok)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
	assert.False(t, ValidTrackingToken("2abc"))
}

func TestDispatchIsIdempotent(t *testing.T) {
	ch := &recordingChannel{}
	d, repos := newDispatcher(ch)
	ctx := context.Background()
	req := Request{CampaignID: "c1", Contractor: contractor("k1"), IntendedTier: 1, StrategyVersion: 1, BidCard: card}

	first, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		again, err := d.Dispatch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.TrackingToken, again.TrackingToken)
		assert.Equal(t, first.ID, again.ID)
	}

	assert.Equal(t, 1, ch.count())
	attempts, err := repos.Outreach.ListByCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptStatusSent, attempts[0].Status)
	assert.Equal(t, model.ChannelEmail, attempts[0].Channel)
	assert.NotNil(t, attempts[0].SentAt)
}

func TestDispatchIdempotentUnderConcurrency(t *testing.T) {
	ch := &recordingChannel{}
	d, repos := newDispatcher(ch)
	req := Request{CampaignID: "c1", Contractor: contractor("k1"), StrategyVersion: 1, BidCard: card}

	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i] = req
	}
	results := d.DispatchAll(context.Background(), reqs)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, results[0].Attempt.TrackingToken, r.Attempt.TrackingToken)
	}
	attempts, err := repos.Outreach.ListByCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, 1, ch.count())
}

func TestDispatchPersonalizesPerContractor(t *testing.T) {
	ch := &recordingChannel{}
	d, _ := newDispatcher(ch)
	ctx := context.Background()

	a, err := d.Dispatch(ctx, Request{CampaignID: "c1", Contractor: contractor("a"), StrategyVersion: 1, BidCard: card})
	require.NoError(t, err)
	b, err := d.Dispatch(ctx, Request{CampaignID: "c1", Contractor: contractor("b"), StrategyVersion: 1, BidCard: card})
	require.NoError(t, err)

	require.Equal(t, 2, ch.count())
	assert.NotEqual(t, ch.sends[0].Body, ch.sends[1].Body)
	assert.Contains(t, ch.sends[0].Body, "Hi Co a")
	assert.Contains(t, ch.sends[0].Body, "https://bids.example.com/r/"+a.TrackingToken)
	assert.Contains(t, ch.sends[1].Body, b.TrackingToken)
	assert.Equal(t, a.TrackingToken, ch.sends[0].TrackingToken)
	assert.Equal(t, "New roofing project in Austin, TX", ch.sends[0].Subject)
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	ch := &recordingChannel{fail: func(n int) error {
		if n < 3 {
			return errors.New("connection reset")
		}
		return nil
	}}
	d, _ := newDispatcher(ch)

	a, err := d.Dispatch(context.Background(), Request{CampaignID: "c1", Contractor: contractor("k"), StrategyVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSent, a.Status)
	assert.Equal(t, 2, a.RetryCount)
	assert.Equal(t, 3, ch.count())
}

func TestDispatchGivesUpAfterRetryBudget(t *testing.T) {
	ch := &recordingChannel{fail: func(int) error { return errors.New("timeout") }}
	d, repos := newDispatcher(ch)
	ctx := context.Background()
	req := Request{CampaignID: "c1", Contractor: contractor("k"), StrategyVersion: 1}

	a, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.KindTransientIO))
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Equal(t, 4, ch.count(), "one try plus three retries")
	assert.Contains(t, a.LastError, "timeout")

	// a failed attempt frees the key, so a replacement dispatch sends again
	b, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.NotEqual(t, a.TrackingToken, b.TrackingToken)
	attempts, err := repos.Outreach.ListByCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestDispatchPermanentFailureNotRetried(t *testing.T) {
	ch := &recordingChannel{fail: func(int) error {
		return appErrors.Errorf(appErrors.KindPermanentSendFailure, "smtp", "mailbox does not exist")
	}}
	d, _ := newDispatcher(ch)

	a, err := d.Dispatch(context.Background(), Request{CampaignID: "c1", Contractor: contractor("k"), StrategyVersion: 1})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.KindPermanentSendFailure))
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Equal(t, 1, ch.count())
}

func TestDispatchWithoutAddress(t *testing.T) {
	d, _ := newDispatcher(&recordingChannel{})
	a, err := d.Dispatch(context.Background(), Request{CampaignID: "c1", Contractor: model.Contractor{ID: "k"}})
	assert.Nil(t, a)
	assert.True(t, appErrors.Is(err, appErrors.KindPermanentSendFailure))
}

func TestChannelConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	ch := ChannelFunc(func(ctx context.Context, req SendRequest) (Receipt, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Receipt{MessageID: req.TrackingToken}, nil
	})
	d, _ := newDispatcher(ch)

	reqs := make([]Request, 12)
	for i := range reqs {
		reqs[i] = Request{CampaignID: "c1", Contractor: contractor(fmt.Sprint(i)), StrategyVersion: 1}
	}
	for _, r := range d.DispatchAll(context.Background(), reqs) {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLaneFollowsTuningReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel_concurrency: 2\nqueue_cap: 2\n"), 0o644))
	holder, err := config.NewHolder(path)
	require.NoError(t, err)
	repos := repository.NewMemoryRepositories()
	d := NewDispatcher(repos.Outreach, map[string]Channel{}, nil, holder, "https://bids.example.com", nil)

	before := d.lane(model.ChannelEmail)
	assert.Same(t, before, d.lane(model.ChannelEmail))
	assert.Equal(t, 2, before.concurrency)

	require.NoError(t, os.WriteFile(path, []byte("channel_concurrency: 5\nqueue_cap: 10\n"), 0o644))
	_, err = holder.Reload()
	require.NoError(t, err)

	after := d.lane(model.ChannelEmail)
	assert.NotSame(t, before, after)
	assert.Equal(t, 5, after.concurrency)
	assert.Equal(t, 10, after.queueCap)
	// five sends can hold slots at once under the new size
	require.True(t, after.slots.TryAcquire(5))
	assert.False(t, after.slots.TryAcquire(1))
	after.slots.Release(5)
}

func TestPrimaryChannel(t *testing.T) {
	assert.Equal(t, model.ChannelEmail, PrimaryChannel(model.Contractor{Email: "a@b", Website: "w", Phone: "p"}))
	assert.Equal(t, model.ChannelForm, PrimaryChannel(model.Contractor{Website: "w", Phone: "p"}))
	assert.Equal(t, model.ChannelSMS, PrimaryChannel(model.Contractor{Phone: "p"}))
	assert.Equal(t, "", PrimaryChannel(model.Contractor{}))
}

func TestQueueChannelPublishes(t *testing.T) {
	q := queue.NewInMemoryQueue(nil)
	defer q.Close()
	got := make(chan queue.Message, 1)
	require.NoError(t, q.Subscribe(context.Background(), queue.OutreachTopic(model.ChannelSMS), func(_ context.Context, m queue.Message) error {
		got <- m
		return nil
	}))

	ch := &QueueChannel{Queue: q}
	r, err := ch.Send(context.Background(), SendRequest{Channel: model.ChannelSMS, To: "+15550100", Body: "hi", TrackingToken: "1abc"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.MessageID)

	select {
	case m := <-got:
		assert.Equal(t, "1abc", m.Headers[queue.HeaderTrackingToken])
		assert.Contains(t, string(m.Body), `"tracking_token":"1abc"`)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	_, err = ch.Send(context.Background(), SendRequest{Channel: model.ChannelSMS})
	assert.True(t, appErrors.Is(err, appErrors.KindPermanentSendFailure))
}
