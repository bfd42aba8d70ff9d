package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type CheckInRepository struct {
	DB *sqlx.DB
}

type checkInRow struct {
	model.CheckIn
	Actions pq.StringArray `db:"actions_taken"`
}

const checkInColumns = `id, campaign_id, check_in_number, scheduled_at, expected_bids_at_time, status, fired_at,
    COALESCE(outcome, '') AS outcome, actions_taken, claimed_by, lease_expires_at`

// A check-in is claimable while pending, or while fired without an outcome
// and past its lease.
const claimableWhere = `(status='pending' OR (status='fired' AND outcome IS NULL AND lease_expires_at < $1))`

func (r *CheckInRepository) selectCheckIns(ctx context.Context, query string, args ...interface{}) ([]*model.CheckIn, error) {
	var rows []checkInRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.CheckIn, 0, len(rows))
	for _, row := range rows {
		c := row.CheckIn
		c.ActionsTaken = []string(row.Actions)
		out = append(out, &c)
	}
	return out, nil
}

func (r *CheckInRepository) ListDue(ctx context.Context, now time.Time) ([]*model.CheckIn, error) {
	return r.selectCheckIns(ctx, `SELECT `+checkInColumns+` FROM check_ins
        WHERE scheduled_at <= $1 AND `+claimableWhere+`
        ORDER BY campaign_id, check_in_number`, now)
}

func (r *CheckInRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.CheckIn, error) {
	return r.selectCheckIns(ctx, `SELECT `+checkInColumns+` FROM check_ins
        WHERE campaign_id=$1 ORDER BY check_in_number`, campaignID)
}

func (r *CheckInRepository) GetByID(ctx context.Context, id string) (*model.CheckIn, error) {
	var row checkInRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+checkInColumns+` FROM check_ins WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Errorf(appErrors.KindNotFound, "check_ins.get", "check-in %s not found", id)
		}
		return nil, err
	}
	c := row.CheckIn
	c.ActionsTaken = []string(row.Actions)
	return &c, nil
}

func (r *CheckInRepository) Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE check_ins
        SET status='fired', fired_at=$1, claimed_by=$2, lease_expires_at=$3
        WHERE id=$4 AND `+claimableWhere,
		now, owner, now.Add(lease), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *CheckInRepository) Complete(ctx context.Context, id, owner, outcome string, actions []string) error {
	if actions == nil {
		actions = []string{}
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE check_ins
        SET outcome=$1, actions_taken=$2, lease_expires_at=NULL
        WHERE id=$3 AND status='fired' AND outcome IS NULL AND claimed_by=$4`,
		outcome, pq.Array(actions), id, owner)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return appErrors.E(appErrors.KindConcurrencyConflict, "check_ins.complete", nil)
	}
	return nil
}

func (r *CheckInRepository) Skip(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE check_ins SET status='skipped' WHERE id=$1 AND status='pending'`, id)
	return err
}

func (r *CheckInRepository) SkipPending(ctx context.Context, campaignID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE check_ins SET status='skipped' WHERE campaign_id=$1 AND status='pending'`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := rowsAffected(res)
	return int(n), err
}

func (r *CheckInRepository) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM check_ins WHERE status='pending' OR (status='fired' AND outcome IS NULL)`)
	return n, err
}

var _ CheckInRepositoryInterface = (*CheckInRepository)(nil)
