package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-orchestrator/internal/app"
	"github.com/unclebandit/outreach-orchestrator/internal/config"
)

func TestRunRejectsUnknownFlag(t *testing.T) {
	assert.Equal(t, exitMisconfig, run([]string{"--no-such-flag"}))
}

func TestRunBadStoreIsMisconfiguration(t *testing.T) {
	t.Setenv("STORE", "cassandra")
	assert.Equal(t, exitMisconfig, run(nil))
}

func TestRunMissingTuningFileIsMisconfiguration(t *testing.T) {
	t.Setenv("STORE", config.StoreMemory)
	assert.Equal(t, exitMisconfig, run([]string{"--config", t.TempDir() + "/missing.yaml"}))
}

func TestRouter(t *testing.T) {
	cfg := &config.Config{Store: config.StoreMemory, PublicBaseURL: "http://localhost"}
	tuning := config.StaticHolder(config.DefaultTuning())
	a, err := app.New(context.Background(), cfg, tuning, nil)
	require.NoError(t, err)
	defer a.Close()
	r := newRouter(a, tuning, nil)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/campaigns", "", http.StatusOK},
		{http.MethodGet, "/campaigns/missing", "", http.StatusNotFound},
		{http.MethodPost, "/campaigns", `{"bid_card_id":"missing"}`, http.StatusNotFound},
		{http.MethodPost, "/responses", `{"tracking_token":"t","kind":"view"}`, http.StatusOK},
		{http.MethodGet, "/r/1unknowntoken", "", http.StatusOK},
		{http.MethodPost, "/bid-cards", `{"project_type":"roofing","bids_needed":3,"timeline_hours":48}`, http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}
