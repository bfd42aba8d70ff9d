package appErrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", appErrors.E(appErrors.KindConcurrencyConflict, "campaign.update", errors.New("version moved")))

	assert.Equal(t, appErrors.KindConcurrencyConflict, appErrors.KindOf(err))
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	assert.False(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestCampaignNotFoundMapsToNotFound(t *testing.T) {
	err := appErrors.NewCampaignNotFound("c-1")

	assert.Equal(t, appErrors.KindNotFound, appErrors.KindOf(err))
	assert.Equal(t, http.StatusNotFound, appErrors.HTTPStatus(appErrors.KindOf(err)))
	assert.Contains(t, err.Error(), "c-1")
}

func TestPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, appErrors.KindInternal, appErrors.KindOf(errors.New("boom")))
	assert.Equal(t, appErrors.Kind(""), appErrors.KindOf(nil))
	assert.Equal(t, http.StatusInternalServerError, appErrors.HTTPStatus(appErrors.KindInternal))
}
