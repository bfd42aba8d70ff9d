// Package dispatch sends personalized outreach to contractors with
// idempotent attempt records and per-channel back-pressure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/metrics"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

const maxTokenAttempts = 5

type Request struct {
	CampaignID      string
	Contractor      model.Contractor
	Channel         string // empty picks PrimaryChannel
	IntendedTier    int
	StrategyVersion int
	BidCard         *model.BidCard
}

// Result pairs a request with its attempt. Err is set when the send finally
// failed; Attempt is then in status failed, or nil if no attempt could be
// recorded.
type Result struct {
	Request Request
	Attempt *model.OutreachAttempt
	Err     error
}

type Dispatcher struct {
	attempts     repository.OutreachRepositoryInterface
	channels     map[string]Channel
	personalizer Personalizer
	tuning       *config.Holder
	baseURL      string
	log          *zap.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane bounds one channel: admit caps waiting plus running sends, slots caps
// running sends. concurrency and queueCap record the tuning it was sized from.
type lane struct {
	admit       *semaphore.Weighted
	slots       *semaphore.Weighted
	concurrency int
	queueCap    int
}

func NewDispatcher(
	attempts repository.OutreachRepositoryInterface,
	channels map[string]Channel,
	personalizer Personalizer,
	tuning *config.Holder,
	baseURL string,
	log *zap.Logger,
) *Dispatcher {
	if personalizer == nil {
		personalizer = NewTemplatePersonalizer()
	}
	return &Dispatcher{
		attempts:     attempts,
		channels:     channels,
		personalizer: personalizer,
		tuning:       tuning,
		baseURL:      strings.TrimRight(baseURL, "/"),
		log:          logging.OrNop(log),
		lanes:        map[string]*lane{},
	}
}

func (d *Dispatcher) lane(channel string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tuning.Get()
	l, ok := d.lanes[channel]
	// A reload that resizes the lane swaps in a fresh one. Sends already
	// holding the old lane release into it, so the old and new limits can
	// briefly add up until those drain.
	if !ok || l.concurrency != t.ChannelConcurrency || l.queueCap != t.QueueCap {
		if ok {
			d.log.Info("resizing channel lane",
				zap.String("channel", channel),
				zap.Int("concurrency", t.ChannelConcurrency),
				zap.Int("queue_cap", t.QueueCap))
		}
		l = &lane{
			admit:       semaphore.NewWeighted(int64(t.ChannelConcurrency + t.QueueCap)),
			slots:       semaphore.NewWeighted(int64(t.ChannelConcurrency)),
			concurrency: t.ChannelConcurrency,
			queueCap:    t.QueueCap,
		}
		d.lanes[channel] = l
	}
	return l
}

// TrackingLink is the URL embedded in outbound content.
func (d *Dispatcher) TrackingLink(token string) string {
	return d.baseURL + "/r/" + token
}

// Dispatch sends to one contractor. A second call with the same campaign,
// contractor, channel and strategy version returns the recorded attempt
// without sending again.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*model.OutreachAttempt, error) {
	channel := req.Channel
	if channel == "" {
		channel = PrimaryChannel(req.Contractor)
	}
	sender, ok := d.channels[channel]
	if !ok {
		return nil, appErrors.Errorf(appErrors.KindPermanentSendFailure, "dispatch",
			"contractor %s has no usable channel", req.Contractor.ID)
	}

	key := model.IdempotencyKey(req.CampaignID, req.Contractor.ID, channel, req.StrategyVersion)
	existing, err := d.attempts.GetLiveByKey(ctx, key)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "dispatch.lookup", err)
	}
	if existing != nil {
		return existing, nil
	}

	actual := req.Contractor.Tier
	attempt := &model.OutreachAttempt{
		CampaignID:      req.CampaignID,
		ContractorID:    req.Contractor.ID,
		Channel:         channel,
		IntendedTier:    req.IntendedTier,
		ActualTier:      actual,
		StrategyVersion: req.StrategyVersion,
		IdempotencyKey:  key,
		Status:          model.AttemptStatusQueued,
	}
	if attempt.IntendedTier == 0 {
		attempt.IntendedTier = actual
	}
	if existing, err := d.create(ctx, attempt); err != nil || existing != nil {
		return existing, err
	}

	rendered, err := d.personalizer.Personalize(ctx, Content{
		Contractor: req.Contractor,
		BidCard:    req.BidCard,
		Channel:    channel,
		Link:       d.TrackingLink(attempt.TrackingToken),
	})
	if err != nil {
		return d.fail(ctx, attempt, appErrors.E(appErrors.KindPermanentSendFailure, "dispatch.personalize", err))
	}
	attempt.RenderedContent = rendered.Body

	send := SendRequest{
		Channel:       channel,
		To:            address(req.Contractor, channel),
		Subject:       rendered.Subject,
		Body:          rendered.Body,
		Fields:        rendered.Fields,
		TrackingToken: attempt.TrackingToken,
	}
	receipt, retries, err := d.send(ctx, sender, send)
	attempt.RetryCount = retries
	if err != nil {
		return d.fail(ctx, attempt, err)
	}

	now := time.Now().UTC()
	attempt.Status = model.AttemptStatusSent
	if receipt.Status == model.AttemptStatusDelivered {
		attempt.Status = receipt.Status
	}
	attempt.MessageID = receipt.MessageID
	attempt.SentAt = &now
	if err := d.attempts.UpdateResult(ctx, attempt); err != nil {
		return attempt, appErrors.E(appErrors.KindTransientIO, "dispatch.record", err)
	}
	metrics.AttemptsTotal.WithLabelValues(channel, attempt.Status).Inc()
	return attempt, nil
}

// create stores the queued attempt with a fresh token. It returns the live
// attempt instead when another caller won the idempotency key.
func (d *Dispatcher) create(ctx context.Context, attempt *model.OutreachAttempt) (*model.OutreachAttempt, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := NewTrackingToken()
		if err != nil {
			return nil, appErrors.E(appErrors.KindInternal, "dispatch.token", err)
		}
		attempt.TrackingToken = token
		err = d.attempts.Create(ctx, attempt)
		switch {
		case err == nil:
			return nil, nil
		case errors.Is(err, repository.ErrTokenCollision):
			d.log.Warn("tracking token collision, regenerating", zap.String("campaign_id", attempt.CampaignID))
			continue
		case errors.Is(err, repository.ErrIdempotencyKeyTaken):
			live, err := d.attempts.GetLiveByKey(ctx, attempt.IdempotencyKey)
			if err != nil {
				return nil, appErrors.E(appErrors.KindTransientIO, "dispatch.lookup", err)
			}
			if live == nil {
				return nil, appErrors.E(appErrors.KindConcurrencyConflict, "dispatch.create", err)
			}
			return live, nil
		default:
			return nil, appErrors.E(appErrors.KindTransientIO, "dispatch.create", err)
		}
	}
	return nil, appErrors.Errorf(appErrors.KindInvariantViolation, "dispatch.token",
		"%d consecutive tracking token collisions", maxTokenAttempts)
}

// send holds a channel slot for the whole retry sequence.
func (d *Dispatcher) send(ctx context.Context, sender Channel, req SendRequest) (Receipt, int, error) {
	t := d.tuning.Get()
	l := d.lane(req.Channel)
	if err := l.admit.Acquire(ctx, 1); err != nil {
		return Receipt{}, 0, appErrors.E(appErrors.KindTransientIO, "dispatch.admit", err)
	}
	defer l.admit.Release(1)
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return Receipt{}, 0, appErrors.E(appErrors.KindTransientIO, "dispatch.slot", err)
	}
	defer l.slots.Release(1)
	metrics.ChannelInFlight.WithLabelValues(req.Channel).Inc()
	defer metrics.ChannelInFlight.WithLabelValues(req.Channel).Dec()

	backoff := retry.NewExponential(t.RetryMinBackoff)
	backoff = retry.WithCappedDuration(t.RetryMaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(t.MaxSendRetries), backoff)

	var receipt Receipt
	tries := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		if tries > 1 {
			metrics.SendRetriesTotal.WithLabelValues(req.Channel).Inc()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, t.DispatchTimeout)
		defer cancel()
		r, err := sender.Send(attemptCtx, req)
		if err == nil {
			receipt = r
			return nil
		}
		if appErrors.Is(err, appErrors.KindPermanentSendFailure) {
			return err
		}
		d.log.Info("transient send failure",
			zap.String("channel", req.Channel), zap.Int("try", tries), zap.Error(err))
		return retry.RetryableError(appErrors.E(appErrors.KindTransientIO, "dispatch.send", err))
	})
	return receipt, tries - 1, err
}

func (d *Dispatcher) fail(ctx context.Context, attempt *model.OutreachAttempt, cause error) (*model.OutreachAttempt, error) {
	attempt.Status = model.AttemptStatusFailed
	attempt.LastError = cause.Error()
	metrics.AttemptsTotal.WithLabelValues(attempt.Channel, attempt.Status).Inc()
	d.log.Warn("outreach attempt failed",
		zap.String("campaign_id", attempt.CampaignID),
		zap.String("contractor_id", attempt.ContractorID),
		zap.String("channel", attempt.Channel),
		zap.Error(cause))
	if err := d.attempts.UpdateResult(ctx, attempt); err != nil {
		return attempt, fmt.Errorf("%w (recording failure: %v)", cause, err)
	}
	return attempt, cause
}

// DispatchAll sends every request in parallel. One failure does not stop the
// others.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			a, err := d.Dispatch(ctx, req)
			results[i] = Result{Request: req, Attempt: a, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
