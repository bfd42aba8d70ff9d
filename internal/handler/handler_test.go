package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/handler"
	"github.com/unclebandit/outreach-orchestrator/internal/handler/testutils"
	"github.com/unclebandit/outreach-orchestrator/internal/ingest"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

func newResponseHandler(t *testing.T) (*handler.ResponseHandler, *repository.Repositories, string) {
	t.Helper()
	ctx := context.Background()
	repos := repository.NewMemoryRepositories()
	c := &model.Campaign{BidCardID: "bc-1", Status: model.CampaignStatusActive, BidsNeeded: 3}
	require.NoError(t, repos.Campaigns.Create(ctx, c, nil))
	a := &model.OutreachAttempt{
		CampaignID:     c.ID,
		ContractorID:   "k1",
		Channel:        model.ChannelEmail,
		TrackingToken:  "1abcdefghijklmnopqrstuvwxyz",
		IdempotencyKey: model.IdempotencyKey(c.ID, "k1", model.ChannelEmail, 1),
		Status:         model.AttemptStatusSent,
	}
	require.NoError(t, repos.Outreach.Create(ctx, a))
	ing := ingest.NewIngestor(repos.Outreach, repos.Responses, nil, config.StaticHolder(config.DefaultTuning()), nil)
	return handler.NewResponseHandler(ing, nil), repos, c.ID
}

func postJSON(path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	return httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
}

func TestIngestResponse(t *testing.T) {
	h, repos, campaignID := newResponseHandler(t)
	body := map[string]any{
		"tracking_token": "1abcdefghijklmnopqrstuvwxyz",
		"kind":           model.ResponseBidSubmitted,
		"payload":        map[string]any{"amount": 4200},
	}

	w := httptest.NewRecorder()
	h.Ingest(w, postJSON("/responses", body))
	require.Equal(t, http.StatusOK, w.Code)
	var res handler.IngestResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
	assert.Equal(t, campaignID, res.CampaignID)

	w = httptest.NewRecorder()
	h.Ingest(w, postJSON("/responses", body))
	require.Equal(t, http.StatusOK, w.Code)
	res = handler.IngestResponse{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Accepted)
	assert.True(t, res.Duplicate)

	c, err := repos.Campaigns.GetByID(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.BidsReceivedCount)
}

func TestIngestUnknownToken(t *testing.T) {
	h, _, _ := newResponseHandler(t)

	w := httptest.NewRecorder()
	h.Ingest(w, postJSON("/responses", map[string]any{"tracking_token": "1zzzz", "kind": model.ResponseView}))
	require.Equal(t, http.StatusOK, w.Code)
	var res handler.IngestResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.Accepted)
}

func TestIngestRejectsBadKind(t *testing.T) {
	h, _, _ := newResponseHandler(t)

	w := httptest.NewRecorder()
	h.Ingest(w, postJSON("/responses", map[string]any{"tracking_token": "1abc", "kind": "shrug"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body handler.ErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "InvalidInput", body.Error.Code)
	assert.Contains(t, body.Error.Message, "kind must be one of")
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	handler.WriteError(w, errors.New("pq: connection refused to 10.0.0.3"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body handler.ErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "Internal", body.Error.Code)
	assert.Equal(t, "internal error", body.Error.Message)

	w = httptest.NewRecorder()
	handler.WriteError(w, appErrors.Errorf(appErrors.KindDraining, "campaign.create", "orchestrator is draining"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type drainFlag bool

func (d drainFlag) Draining() bool { return bool(d) }

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	handler.NewAdminHandler(nil, drainFlag(true), nil).Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"draining"}`, w.Body.String())
}

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_escalation_contacts: 40\n"), 0o600))
	holder, err := config.NewHolder(path)
	require.NoError(t, err)
	h := handler.NewAdminHandler(holder, drainFlag(false), nil)

	require.NoError(t, os.WriteFile(path, []byte("max_escalation_contacts: 12\n"), 0o600))
	w := httptest.NewRecorder()
	h.ReloadConfig(w, httptest.NewRequest(http.MethodPost, "/admin/config/reload", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 12, holder.Get().MaxEscalationContacts)

	require.NoError(t, os.WriteFile(path, []byte("channel_concurrency: 0\n"), 0o600))
	w = httptest.NewRecorder()
	h.ReloadConfig(w, httptest.NewRequest(http.MethodPost, "/admin/config/reload", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 12, holder.Get().MaxEscalationContacts)
}

func TestTrackRecordsView(t *testing.T) {
	h, repos, campaignID := newResponseHandler(t)

	for _, token := range []string{"1abcdefghijklmnopqrstuvwxyz", "1abcdefghijklmnopqrstuvwxyz", "1nosuchtoken"} {
		req := httptest.NewRequest(http.MethodGet, "/r/"+token, nil)
		w := httptest.NewRecorder()
		h.Track(w, testutils.WithChiURLParams(req, map[string]string{"token": token}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "viewed")
	}

	responses, err := repos.Responses.ListByCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, model.ResponseView, responses[0].Kind)
}
