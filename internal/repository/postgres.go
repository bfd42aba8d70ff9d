package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// NewPostgresRepositories wires every repository to one sqlx pool.
func NewPostgresRepositories(db *sqlx.DB) *Repositories {
	return &Repositories{
		BidCards:    &BidCardRepository{DB: db},
		Contractors: &ContractorRepository{DB: db},
		Campaigns:   &CampaignRepository{DB: db},
		Outreach:    &OutreachRepository{DB: db},
		Responses:   &ResponseRepository{DB: db},
		CheckIns:    &CheckInRepository{DB: db},
	}
}

const uniqueViolation = "23505"

// uniqueConstraint returns the violated constraint name, or "" when err is
// not a unique violation.
func uniqueConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint
	}
	return ""
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func rowsAffected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}
