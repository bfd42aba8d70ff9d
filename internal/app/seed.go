package app

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

// SeedFile is the seeder's YAML document.
type SeedFile struct {
	Contractors []model.Contractor `yaml:"contractors"`
	BidCards    []model.BidCard    `yaml:"bid_cards"`
}

type SeedStats struct {
	Contractors int
	BidCards    int
}

func ParseSeed(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Seed inserts every contractor and bid card. It stops at the first invalid
// or rejected record.
func Seed(ctx context.Context, repos *repository.Repositories, f *SeedFile) (SeedStats, error) {
	var stats SeedStats
	for i := range f.Contractors {
		c := &f.Contractors[i]
		if !model.ValidTier(c.Tier) {
			return stats, fmt.Errorf("contractor %d (%s): tier %d out of range", i, c.CompanyName, c.Tier)
		}
		if err := repos.Contractors.Create(ctx, c); err != nil {
			return stats, fmt.Errorf("contractor %d (%s): %w", i, c.CompanyName, err)
		}
		stats.Contractors++
	}
	for i := range f.BidCards {
		b := &f.BidCards[i]
		if b.ProjectType == "" {
			return stats, fmt.Errorf("bid card %d: project_type is required", i)
		}
		b.Status = model.BidCardStatusOpen
		if err := repos.BidCards.Create(ctx, b); err != nil {
			return stats, fmt.Errorf("bid card %d: %w", i, err)
		}
		stats.BidCards++
	}
	return stats, nil
}
