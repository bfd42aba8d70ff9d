// Package ingest attributes inbound contractor signals to campaigns through
// their tracking token.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/metrics"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

// Listener is told about every recorded response.
type Listener interface {
	OnResponse(ctx context.Context, r *model.Response) error
}

type Ingestor struct {
	attempts  repository.OutreachRepositoryInterface
	responses repository.ResponseRepositoryInterface
	dedup     Deduper
	tuning    *config.Holder
	listener  Listener
	log       *zap.Logger
}

func NewIngestor(
	attempts repository.OutreachRepositoryInterface,
	responses repository.ResponseRepositoryInterface,
	dedup Deduper,
	tuning *config.Holder,
	log *zap.Logger,
) *Ingestor {
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Ingestor{
		attempts:  attempts,
		responses: responses,
		dedup:     dedup,
		tuning:    tuning,
		log:       logging.OrNop(log),
	}
}

func (i *Ingestor) SetListener(l Listener) {
	i.listener = l
}

// Ingest records one inbound signal. Unknown tokens fail with kind
// UnknownToken and repeats inside the dedup window with kind Duplicate;
// neither changes any state. Responses are recorded whatever the campaign's
// status.
func (i *Ingestor) Ingest(ctx context.Context, token, kind string, payload []byte, receivedAt time.Time) (*model.Response, error) {
	if !model.ValidResponseKind(kind) {
		return nil, appErrors.Errorf(appErrors.KindInvalidInput, "ingest", "unknown response kind %q", kind)
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	attempt, err := i.attempts.GetByToken(ctx, token)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "ingest.lookup", err)
	}
	if attempt == nil {
		metrics.ResponsesTotal.WithLabelValues(kind, "unknown_token").Inc()
		i.log.Info("ignoring response with unknown token", zap.String("token", token), zap.String("kind", kind))
		return nil, appErrors.ErrUnknownToken
	}

	first, err := i.dedup.FirstSeen(ctx, token, kind, receivedAt, i.tuning.Get().DedupWindow)
	if err != nil {
		return nil, appErrors.E(appErrors.KindTransientIO, "ingest.dedup", err)
	}
	if !first {
		metrics.ResponsesTotal.WithLabelValues(kind, "duplicate").Inc()
		i.log.Debug("duplicate response", zap.String("token", token), zap.String("kind", kind))
		return nil, appErrors.ErrDuplicate
	}

	resp := &model.Response{
		TrackingToken: token,
		CampaignID:    attempt.CampaignID,
		ContractorID:  attempt.ContractorID,
		Kind:          kind,
		ReceivedAt:    receivedAt,
		Payload:       payload,
	}
	if _, err := i.responses.Record(ctx, resp); err != nil {
		if ferr := i.dedup.Forget(ctx, token, kind); ferr != nil {
			i.log.Warn("dedup release failed", zap.Error(ferr))
		}
		return nil, appErrors.E(appErrors.KindTransientIO, "ingest.record", err)
	}
	metrics.ResponsesTotal.WithLabelValues(kind, "recorded").Inc()
	i.log.Info("response recorded",
		zap.String("campaign_id", resp.CampaignID),
		zap.String("contractor_id", resp.ContractorID),
		zap.String("kind", kind))

	if i.listener != nil {
		if err := i.listener.OnResponse(ctx, resp); err != nil {
			i.log.Warn("response listener failed", zap.String("campaign_id", resp.CampaignID), zap.Error(err))
		}
	}
	return resp, nil
}
