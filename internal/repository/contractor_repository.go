package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

type ContractorRepository struct {
	DB *sqlx.DB
}

type contractorRow struct {
	ID           string          `db:"id"`
	CompanyName  string          `db:"company_name"`
	Email        string          `db:"email"`
	Phone        string          `db:"phone"`
	Website      string          `db:"website"`
	Tier         int             `db:"tier"`
	Specialties  pq.StringArray  `db:"specialties"`
	City         string          `db:"city"`
	State        string          `db:"state"`
	Zip          string          `db:"zip"`
	IsAvailable  bool            `db:"is_available"`
	ResponseRate sql.NullFloat64 `db:"response_rate"`
}

func (r contractorRow) toModel() model.Contractor {
	c := model.Contractor{
		ID:          r.ID,
		CompanyName: r.CompanyName,
		Email:       r.Email,
		Phone:       r.Phone,
		Website:     r.Website,
		Tier:        r.Tier,
		Specialties: []string(r.Specialties),
		Location:    model.Location{City: r.City, State: r.State, Zip: r.Zip},
		IsAvailable: r.IsAvailable,
	}
	if r.ResponseRate.Valid {
		rate := r.ResponseRate.Float64
		c.ResponseRate = &rate
	}
	return c
}

// Create upserts so the seeder can be re-run.
func (r *ContractorRepository) Create(ctx context.Context, c *model.Contractor) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
        INSERT INTO contractors (id, company_name, email, phone, website, tier, specialties,
            city, state, zip, is_available, response_rate)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            company_name=EXCLUDED.company_name, email=EXCLUDED.email, phone=EXCLUDED.phone,
            website=EXCLUDED.website, tier=EXCLUDED.tier, specialties=EXCLUDED.specialties,
            city=EXCLUDED.city, state=EXCLUDED.state, zip=EXCLUDED.zip,
            is_available=EXCLUDED.is_available, response_rate=EXCLUDED.response_rate
    `
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.CompanyName, c.Email, c.Phone, c.Website, c.Tier,
		pq.Array(c.Specialties), c.Location.City, c.Location.State, c.Location.Zip, c.IsAvailable, c.ResponseRate)
	return err
}

func (r *ContractorRepository) GetByID(ctx context.Context, id string) (*model.Contractor, error) {
	var row contractorRow
	err := r.DB.GetContext(ctx, &row, `SELECT * FROM contractors WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Errorf(appErrors.KindNotFound, "contractors.get", "contractor %s not found", id)
		}
		return nil, err
	}
	c := row.toModel()
	return &c, nil
}

func (r *ContractorRepository) Search(ctx context.Context, q ContractorQuery) ([]model.Contractor, error) {
	query := `SELECT * FROM contractors WHERE is_available AND tier=$1`
	args := []interface{}{q.Tier}
	argPos := 2

	if q.Location.State != "" {
		query += fmt.Sprintf(" AND state=$%d", argPos)
		args = append(args, q.Location.State)
		argPos++
	}
	if len(q.ExcludeIDs) > 0 {
		query += fmt.Sprintf(" AND NOT (id = ANY($%d))", argPos)
		args = append(args, pq.Array(q.ExcludeIDs))
		argPos++
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, q.Limit)
	}

	var rows []contractorRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Contractor, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *ContractorRepository) CountByTier(ctx context.Context, _ string, loc model.Location) (map[int]int, error) {
	query := `SELECT tier, COUNT(*) FROM contractors WHERE is_available`
	args := []interface{}{}
	if loc.State != "" {
		query += " AND state=$1"
		args = append(args, loc.State)
	}
	query += " GROUP BY tier"

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[int]int{model.TierInternal: 0, model.TierPriorContact: 0, model.TierCold: 0}
	for rows.Next() {
		var tier, n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

var _ ContractorRepositoryInterface = (*ContractorRepository)(nil)
