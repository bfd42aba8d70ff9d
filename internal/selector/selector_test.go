package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/discovery"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

type brokenDiscoverer struct{}

func (brokenDiscoverer) Discover(context.Context, discovery.Query) ([]model.Contractor, error) {
	return nil, discovery.ErrUnavailable
}

func (brokenDiscoverer) Availability(context.Context, string, model.Location) (map[int]int, error) {
	return nil, discovery.ErrUnavailable
}

func rate(v float64) *float64 { return &v }

func newSelector(t *testing.T, contractors ...model.Contractor) *Selector {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	for _, c := range contractors {
		c := c
		c.IsAvailable = true
		require.NoError(t, repos.Contractors.Create(context.Background(), &c))
	}
	return New(discovery.NewRegistryDiscoverer(repos.Contractors), config.StaticHolder(config.DefaultTuning()), nil)
}

var austin = model.Location{City: "Austin", State: "TX", Zip: "78701"}

func TestSelectOrdersByScore(t *testing.T) {
	s := newSelector(t,
		model.Contractor{ID: "far", Tier: 1, Location: model.Location{State: "TX"}},
		model.Contractor{ID: "specialist", Tier: 1, Specialties: []string{"roofing"}, Location: model.Location{State: "TX"}},
		model.Contractor{ID: "local", Tier: 1, Location: austin, ResponseRate: rate(0.8)},
	)

	res, err := s.Select(context.Background(), Request{Tier: 1, Count: 3, ProjectType: "roofing", Location: austin})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "local", res.Candidates[0].Contractor.ID) // 2 + 1.6 + 1
	assert.Equal(t, "specialist", res.Candidates[1].Contractor.ID)
	assert.Equal(t, "far", res.Candidates[2].Contractor.ID)
	assert.Empty(t, res.RiskFactors)
}

func TestSelectDrawsFromAdjacentTiers(t *testing.T) {
	s := newSelector(t,
		model.Contractor{ID: "t1", Tier: 1, Location: austin},
		model.Contractor{ID: "t2", Tier: 2, Location: austin},
		model.Contractor{ID: "t3a", Tier: 3, Location: austin},
		model.Contractor{ID: "t3b", Tier: 3, Location: austin},
	)

	res, err := s.Select(context.Background(), Request{Tier: 2, Count: 3, Location: austin})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "t2", res.Candidates[0].Contractor.ID)
	assert.Equal(t, "t1", res.Candidates[1].Contractor.ID, "tier above is tried before tier below")
	for _, c := range res.Candidates {
		assert.Equal(t, 2, c.IntendedTier)
	}
	assert.Equal(t, 1, res.Candidates[1].ActualTier)
	assert.Equal(t, 3, res.Candidates[2].ActualTier)
}

func TestSelectPlanNeverRepeatsContractor(t *testing.T) {
	s := newSelector(t,
		model.Contractor{ID: "a", Tier: 1, Location: austin},
		model.Contractor{ID: "b", Tier: 2, Location: austin},
		model.Contractor{ID: "c", Tier: 2, Location: austin},
	)

	res, err := s.SelectPlan(context.Background(), map[int]int{1: 2, 2: 2}, "roofing", austin, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, c := range res.Candidates {
		assert.False(t, seen[c.Contractor.ID], "duplicate %s", c.Contractor.ID)
		seen[c.Contractor.ID] = true
	}
	assert.Len(t, res.Candidates, 3)
	assert.Contains(t, res.RiskFactors, model.RiskInsufficientSupply)
}

func TestSelectHonoursExclusions(t *testing.T) {
	s := newSelector(t,
		model.Contractor{ID: "a", Tier: 1, Location: austin},
		model.Contractor{ID: "b", Tier: 1, Location: austin},
	)
	res, err := s.Select(context.Background(), Request{Tier: 1, Count: 2, Location: austin, Exclude: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "b", res.Candidates[0].Contractor.ID)
}

func TestDiscoveryUnavailableIsZeroResults(t *testing.T) {
	s := New(brokenDiscoverer{}, config.StaticHolder(config.DefaultTuning()), nil)

	res, err := s.Select(context.Background(), Request{Tier: 1, Count: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Contains(t, res.RiskFactors, model.RiskDiscoveryUnavailable)

	avail, risks, err := s.Availability(context.Background(), "roofing", austin)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 0, 2: 0, 3: 0}, avail)
	assert.Equal(t, []string{model.RiskDiscoveryUnavailable}, risks)
}
