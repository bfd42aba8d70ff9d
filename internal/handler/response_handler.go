package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/ingest"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// ResponseHandler is the webhook target for contractor signals.
type ResponseHandler struct {
	Ingestor *ingest.Ingestor
	validate *validator.Validate
	log      *zap.Logger
}

func NewResponseHandler(ing *ingest.Ingestor, log *zap.Logger) *ResponseHandler {
	return &ResponseHandler{Ingestor: ing, validate: validator.New(), log: logging.OrNop(log)}
}

type IngestRequest struct {
	TrackingToken string          `json:"tracking_token" validate:"required,max=64"`
	Kind          string          `json:"kind" validate:"required,oneof=view form_submit email_reply bid_submitted decline"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    *time.Time      `json:"received_at"`
}

type IngestResponse struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Ingest answers accepted=false for unknown tokens and accepted=true for
// repeats inside the dedup window.
func (h *ResponseHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := DecodeJSON(w, r, h.validate, &req); err != nil {
		WriteError(w, err)
		return
	}
	receivedAt := time.Now().UTC()
	if req.ReceivedAt != nil {
		receivedAt = req.ReceivedAt.UTC()
	}

	resp, err := h.Ingestor.Ingest(r.Context(), req.TrackingToken, req.Kind, req.Payload, receivedAt)
	switch appErrors.KindOf(err) {
	case "":
		WriteJSON(w, http.StatusOK, IngestResponse{Accepted: true, ResponseID: resp.ID, CampaignID: resp.CampaignID})
	case appErrors.KindUnknownToken:
		WriteJSON(w, http.StatusOK, IngestResponse{Accepted: false})
	case appErrors.KindDuplicate:
		WriteJSON(w, http.StatusOK, IngestResponse{Accepted: true, Duplicate: true})
	default:
		h.log.Warn("response ingestion failed", zap.String("kind", req.Kind), zap.Error(err))
		WriteError(w, err)
	}
}

// Track is the tracking link target. Opening the link counts as a view;
// the contractor always gets the same page so unknown tokens reveal nothing.
func (h *ResponseHandler) Track(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token != "" && len(token) <= 64 {
		_, err := h.Ingestor.Ingest(r.Context(), token, model.ResponseView, nil, time.Now().UTC())
		switch appErrors.KindOf(err) {
		case "", appErrors.KindUnknownToken, appErrors.KindDuplicate:
		default:
			h.log.Warn("tracking view failed", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Thanks, the project details have been recorded as viewed.\n"))
}
