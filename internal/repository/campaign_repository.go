package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type CampaignRepository struct {
	DB *sqlx.DB
}

type campaignRow struct {
	model.Campaign
	StrategyJSON []byte `db:"strategy"`
}

const campaignColumns = `id, bid_card_id, status, strategy, strategy_version, bids_needed, bids_received_count,
    timeline_hours, version, status_reason, created_at, deadline_at, updated_at, closed_at`

func (r campaignRow) toModel() (*model.Campaign, error) {
	c := r.Campaign
	if err := json.Unmarshal(r.StrategyJSON, &c.Strategy); err != nil {
		return nil, fmt.Errorf("decode strategy for campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

func insertEvent(ctx context.Context, tx sqlx.ExecerContext, ev *model.CampaignEvent) error {
	if ev == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO campaign_events (id, campaign_id, kind, code, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.CampaignID, ev.Kind, ev.Code, ev.Detail, ev.CreatedAt)
	return err
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, checkIns []*model.CheckIn) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Version = 1
	c.StrategyVersion = 1
	strategyJSON, err := json.Marshal(c.Strategy)
	if err != nil {
		return err
	}

	err = withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		query := `
            INSERT INTO campaigns (id, bid_card_id, status, strategy, strategy_version, bids_needed,
                bids_received_count, timeline_hours, version, status_reason, created_at, deadline_at, closed_at)
            VALUES ($1, $2, $3, $4, 1, $5, $6, $7, 1, $8, $9, $10, $11)
        `
		if _, err := tx.ExecContext(ctx, query, c.ID, c.BidCardID, c.Status, strategyJSON, c.BidsNeeded,
			c.BidsReceivedCount, c.TimelineHours, c.StatusReason, c.CreatedAt, c.DeadlineAt, c.ClosedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO strategy_versions (campaign_id, version, strategy, reason, created_at) VALUES ($1, 1, $2, 'initial', $3)`,
			c.ID, strategyJSON, c.CreatedAt); err != nil {
			return err
		}
		for _, ci := range checkIns {
			if ci.ID == "" {
				ci.ID = uuid.NewString()
			}
			ci.CampaignID = c.ID
			if ci.Status == "" {
				ci.Status = model.CheckInPending
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO check_ins (id, campaign_id, check_in_number, scheduled_at, expected_bids_at_time, status)
                VALUES ($1, $2, $3, $4, $5, $6)`,
				ci.ID, ci.CampaignID, ci.CheckInNumber, ci.ScheduledAt, ci.ExpectedBidsAtTime, ci.Status); err != nil {
				return err
			}
		}
		return insertEvent(ctx, tx, &model.CampaignEvent{CampaignID: c.ID, Kind: model.EventCreated, CreatedAt: c.CreatedAt})
	})
	if uniqueConstraint(err) == "campaigns_one_active_per_bid_card" {
		return appErrors.E(appErrors.KindActiveCampaignExists, "campaigns.create", err)
	}
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *CampaignRepository) GetActiveByBidCard(ctx context.Context, bidCardID string) (*model.Campaign, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row,
		`SELECT `+campaignColumns+` FROM campaigns WHERE bid_card_id=$1 AND status='active'`, bidCardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel()
}

func (r *CampaignRepository) selectCampaigns(ctx context.Context, query string, args ...interface{}) ([]*model.Campaign, error) {
	var rows []campaignRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Campaign, 0, len(rows))
	for _, row := range rows {
		c, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *CampaignRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	campaigns, err := r.selectCampaigns(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) ListActive(ctx context.Context) ([]*model.Campaign, error) {
	return r.selectCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status='active' ORDER BY created_at`)
}

// ====================== Versioned writes ======================

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, expectedVersion int, status, reason string, ev *model.CampaignEvent) error {
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		var closedAt *time.Time
		if status != model.CampaignStatusActive {
			closedAt = &now
		}
		res, err := tx.ExecContext(ctx, `
            UPDATE campaigns
            SET status=$1, status_reason=$2, version=version+1, updated_at=$3, closed_at=COALESCE($4, closed_at)
            WHERE id=$5 AND version=$6`,
			status, reason, now, closedAt, id, expectedVersion)
		if err != nil {
			return err
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return r.missOrConflict(ctx, tx, id, "campaigns.update_status")
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (r *CampaignRepository) AppendStrategy(ctx context.Context, id string, expectedVersion int, s model.Strategy, reason string, ev *model.CampaignEvent) (int, error) {
	strategyJSON, err := json.Marshal(s)
	if err != nil {
		return 0, err
	}
	var version int
	err = withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		err := tx.GetContext(ctx, &version, `
            UPDATE campaigns
            SET strategy=$1, strategy_version=strategy_version+1, version=version+1, updated_at=$2
            WHERE id=$3 AND version=$4
            RETURNING strategy_version`,
			strategyJSON, now, id, expectedVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missOrConflict(ctx, tx, id, "campaigns.append_strategy")
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO strategy_versions (campaign_id, version, strategy, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
			id, version, strategyJSON, reason, now); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
	return version, err
}

func (r *CampaignRepository) missOrConflict(ctx context.Context, tx *sqlx.Tx, id, op string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id=$1)`, id); err != nil {
		return err
	}
	if !exists {
		return appErrors.NewCampaignNotFound(id)
	}
	return appErrors.E(appErrors.KindConcurrencyConflict, op, nil)
}

func (r *CampaignRepository) StrategyVersions(ctx context.Context, id string) ([]model.StrategyVersion, error) {
	var rows []struct {
		model.StrategyVersion
		StrategyJSON []byte `db:"strategy"`
	}
	err := r.DB.SelectContext(ctx, &rows,
		`SELECT campaign_id, version, strategy, reason, created_at FROM strategy_versions WHERE campaign_id=$1 ORDER BY version`, id)
	if err != nil {
		return nil, err
	}
	out := make([]model.StrategyVersion, 0, len(rows))
	for _, row := range rows {
		v := row.StrategyVersion
		if err := json.Unmarshal(row.StrategyJSON, &v.Strategy); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ====================== Events ======================

func (r *CampaignRepository) RecordEvent(ctx context.Context, ev *model.CampaignEvent) error {
	return insertEvent(ctx, r.DB, ev)
}

func (r *CampaignRepository) Events(ctx context.Context, id string) ([]model.CampaignEvent, error) {
	events := []model.CampaignEvent{}
	err := r.DB.SelectContext(ctx, &events,
		`SELECT id, campaign_id, kind, code, detail, created_at FROM campaign_events WHERE campaign_id=$1 ORDER BY created_at, id`, id)
	return events, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
