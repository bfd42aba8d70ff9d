// Package discovery finds contractors for a tier. The registry backend reads
// the contractor table; the HTTP backend calls an external discovery service.
package discovery

import (
	"context"
	"errors"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

// ErrUnavailable means the backend could not answer. Callers treat it as zero
// results.
var ErrUnavailable = errors.New("discovery: unavailable")

type Query struct {
	Tier        int
	ProjectType string
	Location    model.Location
	Exclude     []string
	Limit       int
}

type Discoverer interface {
	Discover(ctx context.Context, q Query) ([]model.Contractor, error)
	Availability(ctx context.Context, projectType string, loc model.Location) (map[int]int, error)
}

type RegistryDiscoverer struct {
	Contractors repository.ContractorRepositoryInterface
}

func NewRegistryDiscoverer(repo repository.ContractorRepositoryInterface) *RegistryDiscoverer {
	return &RegistryDiscoverer{Contractors: repo}
}

func (d *RegistryDiscoverer) Discover(ctx context.Context, q Query) ([]model.Contractor, error) {
	return d.Contractors.Search(ctx, repository.ContractorQuery{
		Tier:        q.Tier,
		ProjectType: q.ProjectType,
		Location:    q.Location,
		ExcludeIDs:  q.Exclude,
		Limit:       q.Limit,
	})
}

func (d *RegistryDiscoverer) Availability(ctx context.Context, projectType string, loc model.Location) (map[int]int, error) {
	return d.Contractors.CountByTier(ctx, projectType, loc)
}
