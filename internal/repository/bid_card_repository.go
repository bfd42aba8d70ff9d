package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type BidCardRepository struct {
	DB *sqlx.DB
}

type bidCardRow struct {
	ID            string         `db:"id"`
	ProjectType   string         `db:"project_type"`
	City          string         `db:"city"`
	State         string         `db:"state"`
	Zip           string         `db:"zip"`
	BudgetMin     float64        `db:"budget_min"`
	BudgetMax     float64        `db:"budget_max"`
	TimelineHours float64        `db:"timeline_hours"`
	BidsNeeded    int            `db:"bids_needed"`
	GroupIDs      pq.StringArray `db:"group_bidding_project_ids"`
	Status        string         `db:"status"`
	Details       []byte         `db:"details"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r bidCardRow) toModel() *model.BidCard {
	return &model.BidCard{
		ID:                     r.ID,
		ProjectType:            r.ProjectType,
		Location:               model.Location{City: r.City, State: r.State, Zip: r.Zip},
		BudgetMin:              r.BudgetMin,
		BudgetMax:              r.BudgetMax,
		TimelineHours:          r.TimelineHours,
		BidsNeeded:             r.BidsNeeded,
		GroupBiddingProjectIDs: []string(r.GroupIDs),
		Status:                 r.Status,
		Details:                r.Details,
		CreatedAt:              r.CreatedAt,
	}
}

func (r *BidCardRepository) Create(ctx context.Context, b *model.BidCard) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = model.BidCardStatusOpen
	}
	b.CreatedAt = time.Now().UTC()
	var details any
	if len(b.Details) > 0 {
		details = b.Details
	}
	query := `
        INSERT INTO bid_cards (id, project_type, city, state, zip, budget_min, budget_max,
            timeline_hours, bids_needed, group_bidding_project_ids, status, details, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err := r.DB.ExecContext(ctx, query, b.ID, b.ProjectType, b.Location.City, b.Location.State, b.Location.Zip,
		b.BudgetMin, b.BudgetMax, b.TimelineHours, b.BidsNeeded, pq.Array(b.GroupBiddingProjectIDs),
		b.Status, details, b.CreatedAt)
	if uniqueConstraint(err) != "" {
		return appErrors.Errorf(appErrors.KindDuplicate, "bid_cards.create", "bid card %s exists", b.ID)
	}
	return err
}

func (r *BidCardRepository) GetByID(ctx context.Context, id string) (*model.BidCard, error) {
	var row bidCardRow
	err := r.DB.GetContext(ctx, &row, `SELECT * FROM bid_cards WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Errorf(appErrors.KindNotFound, "bid_cards.get", "bid card %s not found", id)
		}
		return nil, err
	}
	return row.toModel(), nil
}

func (r *BidCardRepository) UpdatePlanning(ctx context.Context, b *model.BidCard) error {
	query := `UPDATE bid_cards SET bids_needed=$1, timeline_hours=$2, group_bidding_project_ids=$3 WHERE id=$4`
	_, err := r.DB.ExecContext(ctx, query, b.BidsNeeded, b.TimelineHours, pq.Array(b.GroupBiddingProjectIDs), b.ID)
	return err
}

func (r *BidCardRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE bid_cards SET status=$1 WHERE id=$2`, status, id)
	return err
}

var _ BidCardRepositoryInterface = (*BidCardRepository)(nil)
