// internal/model/contractor.go
package model

const (
	TierInternal     = 1
	TierPriorContact = 2
	TierCold         = 3
)

var Tiers = []int{TierInternal, TierPriorContact, TierCold}

func ValidTier(t int) bool {
	return t >= TierInternal && t <= TierCold
}

type Contractor struct {
	ID           string   `db:"id" json:"id" yaml:"id"`
	CompanyName  string   `db:"company_name" json:"company_name" yaml:"company_name"`
	Email        string   `db:"email" json:"email,omitempty" yaml:"email"`
	Phone        string   `db:"phone" json:"phone,omitempty" yaml:"phone"`
	Website      string   `db:"website" json:"website,omitempty" yaml:"website"`
	Tier         int      `db:"tier" json:"tier" yaml:"tier"`
	Specialties  []string `db:"-" json:"specialties,omitempty" yaml:"specialties"`
	Location     Location `db:"-" json:"location" yaml:"location"`
	IsAvailable  bool     `db:"is_available" json:"is_available" yaml:"is_available"`
	ResponseRate *float64 `db:"response_rate" json:"response_rate,omitempty" yaml:"response_rate"`
}

func (c *Contractor) HasSpecialty(projectType string) bool {
	for _, s := range c.Specialties {
		if s == projectType {
			return true
		}
	}
	return false
}
