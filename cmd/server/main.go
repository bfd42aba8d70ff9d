// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-orchestrator/internal/app"
	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/controller"
	"github.com/unclebandit/outreach-orchestrator/internal/handler"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/metrics"
	"github.com/unclebandit/outreach-orchestrator/internal/service"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitMisconfig = 2
)

// exitError carries the process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func misconfigured(err error) error { return &exitError{code: exitMisconfig, err: err} }
func fatal(err error) error         { return &exitError{code: exitFatal, err: err} }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "outreach-orchestrator:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// flag parsing errors
	return exitMisconfig
}

func newRootCmd() *cobra.Command {
	var (
		drain        bool
		tuningConfig string
	)
	cmd := &cobra.Command{
		Use:           "outreach-orchestrator",
		Short:         "Runs contractor outreach campaigns for bid cards",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), drain, tuningConfig)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "refuse new campaigns and exit once every active campaign is resolved")
	cmd.Flags().StringVar(&tuningConfig, "config", "", "tuning YAML file (overrides TUNING_FILE)")
	return cmd
}

func serve(parent context.Context, drain bool, tuningConfig string) error {
	cfg, err := config.Load()
	if err != nil {
		return misconfigured(err)
	}
	if tuningConfig != "" {
		cfg.TuningFile = tuningConfig
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return misconfigured(err)
	}
	defer func() { _ = log.Sync() }()
	tuning, err := config.NewHolder(cfg.TuningFile)
	if err != nil {
		return misconfigured(err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, tuning, log)
	if err != nil {
		return fatal(err)
	}
	defer a.Close()

	if a.InMemoryQueue() {
		// no external workers, so this process consumes its own topics
		if err := a.SubscribeSinks(ctx); err != nil {
			return fatal(err)
		}
		if err := a.SubscribeInbound(ctx); err != nil {
			return fatal(err)
		}
	}
	a.Service.SetDraining(drain)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(a, tuning, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	driver := service.NewDriver(a.Service, cfg.DriverInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("drain", drain))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := driver.Run(gctx)
		if err == nil {
			log.Info("drained, shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("http shutdown", zap.Error(serr))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return fatal(err)
	}
	log.Info("server stopped")
	return nil
}

func newRouter(a *app.App, tuning *config.Holder, log *zap.Logger) http.Handler {
	campaigns := controller.NewCampaignController(a.Service)
	responses := handler.NewResponseHandler(a.Ingestor, log)
	admin := handler.NewAdminHandler(tuning, a.Service, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Campaign routes
	r.Post("/campaigns", campaigns.CreateCampaign)
	r.Get("/campaigns", campaigns.ListCampaigns)
	r.Get("/campaigns/{id}", campaigns.GetCampaignDetails)
	r.Post("/campaigns/{id}/cancel", campaigns.CancelCampaign)
	r.Post("/bid-cards", campaigns.RegisterBidCard)

	// Inbound signals
	r.Post("/responses", responses.Ingest)
	r.Get("/r/{token}", responses.Track)

	r.Post("/admin/config/reload", admin.ReloadConfig)
	r.Get("/healthz", admin.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
