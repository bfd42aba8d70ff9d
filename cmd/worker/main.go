// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/app"
	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
)

// The worker consumes from RabbitMQ: inbound responses feed the ingestor
// and queued outreach sends reach the channel sinks.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	_ = log.Sync()
	if err != nil {
		code := 1
		if errors.Is(err, errNoBroker) {
			code = 2
		}
		os.Exit(code)
	}
}

var errNoBroker = errors.New("AMQP_URL is required")

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log = logging.OrNop(log)
	if cfg.AMQPURL == "" {
		log.Error("worker needs a broker", zap.Error(errNoBroker))
		return errNoBroker
	}
	tuning, err := config.NewHolder(cfg.TuningFile)
	if err != nil {
		log.Error("load tuning", zap.Error(err))
		return err
	}

	a, err := app.New(ctx, cfg, tuning, log)
	if err != nil {
		log.Error("start worker", zap.Error(err))
		return err
	}
	defer a.Close()

	if err := consume(ctx, a); err != nil {
		log.Error("subscribe", zap.Error(err))
		return err
	}

	log.Info("worker running, waiting for messages")
	<-ctx.Done()
	log.Info("worker stopping")
	return nil
}

func consume(ctx context.Context, a *app.App) error {
	if err := a.SubscribeInbound(ctx); err != nil {
		return err
	}
	return a.SubscribeSinks(ctx)
}
