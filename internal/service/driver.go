package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-orchestrator/internal/logging"
)

const (
	maxDriverInterval = time.Minute
	driverFanOut      = 8
)

// TickStats summarizes one pass of the driver.
type TickStats struct {
	Expired int
	Fired   int
}

// Driver fires due check-ins and expires overdue campaigns. It wakes on a
// ticker and whenever the service signals new work.
type Driver struct {
	svc      *CampaignService
	interval time.Duration
	log      *zap.Logger
}

func NewDriver(svc *CampaignService, interval time.Duration, log *zap.Logger) *Driver {
	if interval <= 0 || interval > maxDriverInterval {
		interval = maxDriverInterval
	}
	return &Driver{svc: svc, interval: interval, log: logging.OrNop(log)}
}

// Run loops until ctx ends, or until the service is draining and idle.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.log.Info("driver started", zap.Duration("interval", d.interval))

	for {
		if _, err := d.Tick(ctx, d.svc.now()); err != nil && ctx.Err() == nil {
			d.log.Warn("driver tick failed", zap.Error(err))
		}
		if d.svc.Draining() {
			idle, err := d.svc.Idle(ctx)
			if err != nil && ctx.Err() == nil {
				d.log.Warn("idle check failed", zap.Error(err))
			}
			if idle {
				d.log.Info("driver drained")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			d.log.Info("driver stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-d.svc.Wakeups():
		}
	}
}

// Tick expires campaigns past their deadline, then fires due check-ins.
// Campaigns are handled in parallel; the check-ins of one campaign fire in
// number order and stop at the first one that cannot be claimed.
func (d *Driver) Tick(ctx context.Context, now time.Time) (TickStats, error) {
	var stats TickStats

	active, err := d.svc.repos.Campaigns.ListActive(ctx)
	if err != nil {
		return stats, err
	}
	for _, c := range active {
		if now.Before(c.DeadlineAt) {
			continue
		}
		if _, err := d.svc.OnDeadlineReached(ctx, c.ID); err != nil {
			d.log.Warn("deadline handling failed", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		stats.Expired++
	}

	batches, err := d.svc.checkins.Due(ctx, now)
	if err != nil {
		return stats, err
	}
	var fired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(driverFanOut)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			for _, ci := range b.CheckIns {
				res, err := d.svc.fire(gctx, ci, now)
				if err != nil {
					d.log.Warn("check-in failed",
						zap.String("campaign_id", b.CampaignID),
						zap.Int("check_in_number", ci.CheckInNumber),
						zap.Error(err))
					return nil
				}
				if res == nil {
					return nil
				}
				fired.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	stats.Fired = int(fired.Load())
	return stats, nil
}
