package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type OutreachRepository struct {
	DB *sqlx.DB
}

const attemptColumns = `id, campaign_id, contractor_id, channel, intended_tier, actual_tier, strategy_version,
    tracking_token, idempotency_key, status, rendered_content, message_id, last_error, retry_count,
    sent_at, created_at, updated_at`

// Create is the idempotent insert: the partial unique index on
// idempotency_key rejects a second live attempt for the same key.
func (r *OutreachRepository) Create(ctx context.Context, a *model.OutreachAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.AttemptStatusQueued
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	query := `
        INSERT INTO outreach_attempts (` + attemptColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
    `
	_, err := r.DB.ExecContext(ctx, query, a.ID, a.CampaignID, a.ContractorID, a.Channel, a.IntendedTier,
		a.ActualTier, a.StrategyVersion, a.TrackingToken, a.IdempotencyKey, a.Status, a.RenderedContent,
		a.MessageID, a.LastError, a.RetryCount, a.SentAt, a.CreatedAt, a.UpdatedAt)
	switch uniqueConstraint(err) {
	case "":
		return err
	case "outreach_attempts_tracking_token_key":
		return ErrTokenCollision
	default:
		return ErrIdempotencyKeyTaken
	}
}

func (r *OutreachRepository) getOne(ctx context.Context, query string, arg string) (*model.OutreachAttempt, error) {
	var a model.OutreachAttempt
	err := r.DB.GetContext(ctx, &a, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *OutreachRepository) GetLiveByKey(ctx context.Context, key string) (*model.OutreachAttempt, error) {
	return r.getOne(ctx, `SELECT `+attemptColumns+` FROM outreach_attempts WHERE idempotency_key=$1 AND status <> 'failed'`, key)
}

func (r *OutreachRepository) GetByToken(ctx context.Context, token string) (*model.OutreachAttempt, error) {
	return r.getOne(ctx, `SELECT `+attemptColumns+` FROM outreach_attempts WHERE tracking_token=$1`, token)
}

func (r *OutreachRepository) UpdateResult(ctx context.Context, a *model.OutreachAttempt) error {
	query := `
        UPDATE outreach_attempts
        SET status=$1, rendered_content=$2, message_id=$3, last_error=$4, retry_count=$5, sent_at=$6, updated_at=NOW()
        WHERE id=$7
    `
	res, err := r.DB.ExecContext(ctx, query, a.Status, a.RenderedContent, a.MessageID, a.LastError, a.RetryCount, a.SentAt, a.ID)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return appErrors.Errorf(appErrors.KindNotFound, "outreach.update", "attempt %s not found", a.ID)
	}
	return nil
}

func (r *OutreachRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.OutreachAttempt, error) {
	attempts := []*model.OutreachAttempt{}
	err := r.DB.SelectContext(ctx, &attempts,
		`SELECT `+attemptColumns+` FROM outreach_attempts WHERE campaign_id=$1 ORDER BY created_at, id`, campaignID)
	return attempts, err
}

func (r *OutreachRepository) Stats(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM outreach_attempts WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.AttemptStatusQueued: 0, model.AttemptStatusSent: 0, model.AttemptStatusFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ OutreachRepositoryInterface = (*OutreachRepository)(nil)
