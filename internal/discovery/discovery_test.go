package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

func TestRegistryDiscovererFiltersTierAndExclusions(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	ctx := context.Background()
	for _, c := range []model.Contractor{
		{ID: "a", Tier: 1, IsAvailable: true, Location: model.Location{State: "TX"}},
		{ID: "b", Tier: 1, IsAvailable: true, Location: model.Location{State: "TX"}},
		{ID: "c", Tier: 2, IsAvailable: true, Location: model.Location{State: "TX"}},
		{ID: "d", Tier: 1, IsAvailable: false, Location: model.Location{State: "TX"}},
	} {
		c := c
		require.NoError(t, repos.Contractors.Create(ctx, &c))
	}

	d := NewRegistryDiscoverer(repos.Contractors)
	got, err := d.Discover(ctx, Query{Tier: 1, Location: model.Location{State: "TX"}, Exclude: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	avail, err := d.Availability(ctx, "roofing", model.Location{State: "TX"})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2, 2: 1, 3: 0}, avail)
}

func TestHTTPDiscoverer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contractors":
			assert.Equal(t, "3", r.URL.Query().Get("tier"))
			assert.Equal(t, "x,y", r.URL.Query().Get("exclude"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"contractors": []model.Contractor{{ID: "z", Tier: 3, Email: "z@example.com"}},
			})
		case "/availability":
			_ = json.NewEncoder(w).Encode(map[string]any{"by_tier": map[string]int{"1": 4, "3": 9, "7": 1}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewHTTPDiscoverer(srv.URL+"/", time.Second)
	got, err := d.Discover(context.Background(), Query{Tier: 3, Exclude: []string{"x", "y"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "z", got[0].ID)

	avail, err := d.Availability(context.Background(), "roofing", model.Location{})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 4, 3: 9}, avail)
}

func TestHTTPDiscovererUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPDiscoverer(srv.URL, time.Second).Discover(context.Background(), Query{Tier: 1})
	assert.True(t, errors.Is(err, ErrUnavailable))
}
