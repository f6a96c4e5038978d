package api

import (
	"net/http"

	"whatsapp-chatbot/internal/campaign"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type CampaignHandler struct {
	store *database.Store
	log   zerolog.Logger
}

func NewCampaignHandler(store *database.Store, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{store: store, log: log}
}

func (h *CampaignHandler) GetCampaigns(c *gin.Context) {
	list, err := h.store.ListCampaigns(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Campaign{}
	}
	c.JSON(http.StatusOK, list)
}

// CampaignRequest carries the user-editable campaign definition.
type CampaignRequest struct {
	Name              string          `json:"name"`
	TargetTags        []string        `json:"target_tags"`
	Type              string          `json:"type"`
	TriggerType       string          `json:"trigger_type"`
	EventOffset       int             `json:"event_offset"`
	EventTargetStatus []string        `json:"event_target_status"`
	Schedule          models.Schedule `json:"schedule"`
	ContentMode       string          `json:"content_mode"`
	Message           string          `json:"message"`
	DelayMin          int             `json:"delay_min"`
	DelayMax          int             `json:"delay_max"`
	IsActive          *bool           `json:"is_active"`
}

func (r CampaignRequest) apply(c *models.Campaign) {
	c.Name = r.Name
	c.TargetTags = r.TargetTags
	c.Type = r.Type
	c.TriggerType = r.TriggerType
	c.EventOffset = r.EventOffset
	c.EventTargetStatus = r.EventTargetStatus
	c.Schedule = r.Schedule
	c.ContentMode = r.ContentMode
	c.Message = r.Message
	c.DelayMin = r.DelayMin
	c.DelayMax = r.DelayMax
	if r.IsActive != nil {
		c.IsActive = *r.IsActive
	}
}

func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	businessID := c.Param("businessId")
	var req CampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.Business(ctx, businessID); err != nil {
		respondError(c, err)
		return
	}

	camp := &models.Campaign{BusinessID: businessID, IsActive: true}
	req.apply(camp)
	if err := campaign.Validate(camp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.CreateCampaign(ctx, camp); err != nil {
		respondError(c, err)
		return
	}
	h.log.Info().Uint("campaign_id", camp.ID).Str("business_id", businessID).Msg("campaign created")
	c.JSON(http.StatusCreated, camp)
}

func (h *CampaignHandler) UpdateCampaign(c *gin.Context) {
	camp, ok := h.campaign(c)
	if !ok {
		return
	}
	var req CampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.apply(camp)
	if err := campaign.Validate(camp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateCampaignDefinition(c.Request.Context(), camp); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *CampaignHandler) ToggleCampaign(c *gin.Context) {
	camp, ok := h.campaign(c)
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	// an empty body flips the current state
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	active := !camp.IsActive
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if err := h.store.SetCampaignActive(c.Request.Context(), camp.ID, active); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": camp.ID, "is_active": active})
}

func (h *CampaignHandler) GetLogs(c *gin.Context) {
	camp, ok := h.campaign(c)
	if !ok {
		return
	}
	logs, err := h.store.CampaignLogs(c.Request.Context(), camp.ID, limitQuery(c, 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []models.CampaignLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// campaign loads the campaign in the path, scoped to its business. It writes
// the error response itself.
func (h *CampaignHandler) campaign(c *gin.Context) (*models.Campaign, bool) {
	id, ok := idParam(c, "campaignId")
	if !ok {
		return nil, false
	}
	camp, err := h.store.Campaign(c.Request.Context(), id)
	if err == nil && camp.BusinessID != c.Param("businessId") {
		err = errWrongBusiness
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return camp, true
}
