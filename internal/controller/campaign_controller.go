// internal/controller/campaign_controller.go
package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unclebandit/outreach-orchestrator/internal/handler"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	validate        *validator.Validate
}

func NewCampaignController(svc *service.CampaignService) *CampaignController {
	return &CampaignController{CampaignService: svc, validate: validator.New()}
}

type CreateCampaignResponse struct {
	CampaignID      string         `json:"campaign_id"`
	Status          string         `json:"status"`
	Strategy        model.Strategy `json:"strategy"`
	StrategyVersion int            `json:"strategy_version"`
	DeadlineAt      time.Time      `json:"deadline_at"`
	Contacted       map[int]int    `json:"contacted"`
	FailedSends     int            `json:"failed_sends"`
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignRequest
	if err := handler.DecodeJSON(w, r, c.validate, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	res, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, CreateCampaignResponse{
		CampaignID:      res.Campaign.ID,
		Status:          res.Campaign.Status,
		Strategy:        res.Campaign.Strategy,
		StrategyVersion: res.Campaign.StrategyVersion,
		DeadlineAt:      res.Campaign.DeadlineAt,
		Contacted:       res.Contacted,
		FailedSends:     res.Failed,
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	details, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, details)
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body CancelRequest
	if r.ContentLength != 0 {
		if err := handler.DecodeJSON(w, r, c.validate, &body); err != nil {
			handler.WriteError(w, err)
			return
		}
	}

	campaign, err := c.CampaignService.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"reason":      campaign.StatusReason,
	})
}

type RegisterBidCardRequest struct {
	ID                     string         `json:"id"`
	ProjectType            string         `json:"project_type" validate:"required"`
	Location               model.Location `json:"location"`
	BudgetMin              float64        `json:"budget_min" validate:"gte=0"`
	BudgetMax              float64        `json:"budget_max" validate:"gtefield=BudgetMin"`
	TimelineHours          float64        `json:"timeline_hours"`
	BidsNeeded             int            `json:"bids_needed" validate:"gte=0"`
	GroupBiddingProjectIDs []string       `json:"group_bidding_project_ids" validate:"omitempty,dive,required"`
	Details                []byte         `json:"details"`
}

func (c *CampaignController) RegisterBidCard(w http.ResponseWriter, r *http.Request) {
	var body RegisterBidCardRequest
	if err := handler.DecodeJSON(w, r, c.validate, &body); err != nil {
		handler.WriteError(w, err)
		return
	}

	card := &model.BidCard{
		ID:                     body.ID,
		ProjectType:            body.ProjectType,
		Location:               body.Location,
		BudgetMin:              body.BudgetMin,
		BudgetMax:              body.BudgetMax,
		TimelineHours:          body.TimelineHours,
		BidsNeeded:             body.BidsNeeded,
		GroupBiddingProjectIDs: body.GroupBiddingProjectIDs,
		Details:                body.Details,
	}
	if err := c.CampaignService.RegisterBidCard(r.Context(), card); err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, card)
}
