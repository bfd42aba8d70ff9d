package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/config"
	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
)

// Drainer reports whether the process has stopped taking new campaigns.
type Drainer interface {
	Draining() bool
}

type AdminHandler struct {
	Tuning  *config.Holder
	Drainer Drainer
	log     *zap.Logger
}

func NewAdminHandler(tuning *config.Holder, d Drainer, log *zap.Logger) *AdminHandler {
	return &AdminHandler{Tuning: tuning, Drainer: d, log: logging.OrNop(log)}
}

// ReloadConfig re-reads the tuning file. A bad file leaves the running
// values in place.
func (h *AdminHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tuning.Reload()
	if err != nil {
		h.log.Warn("tuning reload rejected", zap.Error(err))
		WriteError(w, appErrors.E(appErrors.KindInvalidInput, "config.reload", err))
		return
	}
	h.log.Info("tuning reloaded",
		zap.Int("channel_concurrency", t.ChannelConcurrency),
		zap.Int("max_escalation_contacts", t.MaxEscalationContacts))
	WriteJSON(w, http.StatusOK, map[string]any{"reloaded": true, "tuning": t})
}

func (h *AdminHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.Drainer != nil && h.Drainer.Draining() {
		status = "draining"
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}
