package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type ResponseRepository struct {
	DB *sqlx.DB
}

func (r *ResponseRepository) Record(ctx context.Context, resp *model.Response) (int, error) {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	var payload any
	if len(resp.Payload) > 0 {
		payload = resp.Payload
	}
	var count int
	err := withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO responses (id, tracking_token, campaign_id, contractor_id, kind, received_at, payload)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			resp.ID, resp.TrackingToken, resp.CampaignID, resp.ContractorID, resp.Kind, resp.ReceivedAt, payload); err != nil {
			return err
		}
		query := `SELECT bids_received_count FROM campaigns WHERE id=$1`
		if resp.CountsAsBid() {
			query = `UPDATE campaigns SET bids_received_count=bids_received_count+1, version=version+1, updated_at=NOW()
                WHERE id=$1 RETURNING bids_received_count`
		}
		err := tx.GetContext(ctx, &count, query, resp.CampaignID)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.NewCampaignNotFound(resp.CampaignID)
		}
		return err
	})
	return count, err
}

func (r *ResponseRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.Response, error) {
	responses := []*model.Response{}
	err := r.DB.SelectContext(ctx, &responses, `
        SELECT id, tracking_token, campaign_id, contractor_id, kind, received_at, payload
        FROM responses WHERE campaign_id=$1 ORDER BY received_at, id`, campaignID)
	return responses, err
}

func (r *ResponseRepository) CountBids(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM responses WHERE campaign_id=$1 AND kind=$2`, campaignID, model.ResponseBidSubmitted)
	return n, err
}

var _ ResponseRepositoryInterface = (*ResponseRepository)(nil)
