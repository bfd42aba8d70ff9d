// Package app assembles the orchestrator's process graph from Config. The
// server, the worker and the seeder all start from App.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/db"
	"github.com/unclebandit/outreach-orchestrator/internal/discovery"
	"github.com/unclebandit/outreach-orchestrator/internal/dispatch"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/ingest"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/queue"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
	"github.com/unclebandit/outreach-orchestrator/internal/selector"
	"github.com/unclebandit/outreach-orchestrator/internal/service"
)

// Channels are the outreach channels every process registers.
var Channels = []string{model.ChannelEmail, model.ChannelSMS, model.ChannelForm}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Tuning     *config.Holder
	Log        *zap.Logger
	Repos      *repository.Repositories
	Queue      queue.Queue
	Dispatcher *dispatch.Dispatcher
	Ingestor   *ingest.Ingestor
	Service    *service.CampaignService

	inMemoryQueue bool
	closers       []func() error
}

// StoreError marks failures to reach or migrate the persistent store, so
// callers can tell them apart from misconfiguration.
type StoreError struct{ Err error }

func (e *StoreError) Error() string { return "store: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// New builds the graph. The tuning holder is passed in so callers decide
// which file it reads.
func New(ctx context.Context, cfg *config.Config, tuning *config.Holder, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Tuning: tuning, Log: logging.OrNop(log)}

	repos, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Repos = repos

	var dedup ingest.Deduper = ingest.NewMemoryDeduper()
	if cfg.RedisURL != "" {
		rc, err := ingest.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, &StoreError{Err: err}
		}
		a.closers = append(a.closers, rc.Close)
		dedup = ingest.NewRedisDeduper(rc)
		a.Log.Info("using redis dedup")
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, a.Log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(a.Log)
		a.inMemoryQueue = true
	}
	a.closers = append(a.closers, a.Queue.Close)

	var disc discovery.Discoverer = discovery.NewRegistryDiscoverer(repos.Contractors)
	if cfg.DiscoveryURL != "" {
		disc = discovery.NewHTTPDiscoverer(cfg.DiscoveryURL, tuning.Get().DiscoveryTimeout)
	}

	channels := make(map[string]dispatch.Channel, len(Channels))
	for _, ch := range Channels {
		channels[ch] = &dispatch.QueueChannel{Queue: a.Queue}
	}

	sel := selector.New(disc, tuning, a.Log)
	a.Dispatcher = dispatch.NewDispatcher(repos.Outreach, channels, nil, tuning, cfg.PublicBaseURL, a.Log)
	a.Service = service.NewCampaignService(repos, sel, a.Dispatcher, tuning, cfg.InstanceID, a.Log)
	a.Ingestor = ingest.NewIngestor(repos.Outreach, repos.Responses, dedup, tuning, a.Log)
	a.Ingestor.SetListener(a.Service)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (*repository.Repositories, error) {
	if a.Config.Store == config.StoreMemory {
		a.Log.Warn("using in-memory store, state is lost on exit")
		return repository.NewMemoryRepositories(), nil
	}
	conn, err := db.Open(ctx, a.Config.DatabaseURL, a.Log)
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	if err := db.Migrate(conn); err != nil {
		conn.Close()
		return nil, &StoreError{Err: err}
	}
	a.closers = append(a.closers, conn.Close)
	return repository.NewPostgresRepositories(conn), nil
}

// InMemoryQueue reports whether sends stay inside this process. Such a
// process has to consume its own outreach topics.
func (a *App) InMemoryQueue() bool {
	return a.inMemoryQueue
}

// SubscribeSinks attaches the channel sinks to every outreach topic.
func (a *App) SubscribeSinks(ctx context.Context) error {
	for _, ch := range Channels {
		if err := a.Queue.Subscribe(ctx, queue.OutreachTopic(ch), Sink(ch, a.Log)); err != nil {
			return fmt.Errorf("subscribe %s sink: %w", ch, err)
		}
	}
	return nil
}

// SubscribeInbound feeds responses.inbound into the ingestor.
func (a *App) SubscribeInbound(ctx context.Context) error {
	if err := a.Queue.Subscribe(ctx, queue.TopicInboundResponses, InboundHandler(a.Ingestor, a.Log)); err != nil {
		return fmt.Errorf("subscribe inbound responses: %w", err)
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// ====================== Queue handlers ======================

// InboundEvent is the body published on responses.inbound.
type InboundEvent struct {
	TrackingToken string          `json:"tracking_token"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    *time.Time      `json:"received_at,omitempty"`
}

// InboundHandler ingests one inbound event. Unknown tokens and duplicates are
// acknowledged; malformed events are dropped without retry.
func InboundHandler(ing *ingest.Ingestor, log *zap.Logger) queue.Handler {
	log = logging.OrNop(log)
	return func(ctx context.Context, msg queue.Message) error {
		var ev InboundEvent
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			return queue.Permanent(fmt.Errorf("decode inbound event: %w", err))
		}
		if ev.TrackingToken == "" {
			ev.TrackingToken = msg.Headers[queue.HeaderTrackingToken]
		}
		if ev.TrackingToken == "" {
			return queue.Permanent(fmt.Errorf("inbound event has no tracking token"))
		}
		var receivedAt time.Time
		if ev.ReceivedAt != nil {
			receivedAt = ev.ReceivedAt.UTC()
		}

		_, err := ing.Ingest(ctx, ev.TrackingToken, ev.Kind, ev.Payload, receivedAt)
		switch appErrors.KindOf(err) {
		case "", appErrors.KindUnknownToken, appErrors.KindDuplicate:
			return nil
		case appErrors.KindInvalidInput:
			return queue.Permanent(err)
		default:
			log.Warn("inbound event failed", zap.String("kind", ev.Kind), zap.Error(err))
			return err
		}
	}
}

// Sink stands in for a channel provider: it accepts queued sends and logs
// them.
func Sink(channel string, log *zap.Logger) queue.Handler {
	log = logging.OrNop(log)
	return func(_ context.Context, msg queue.Message) error {
		var req dispatch.SendRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return queue.Permanent(fmt.Errorf("decode %s send: %w", channel, err))
		}
		log.Info("outreach delivered",
			zap.String("channel", channel),
			zap.String("to", req.To),
			zap.String("tracking_token", req.TrackingToken))
		return nil
	}
}
