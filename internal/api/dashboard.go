package api

import (
	"net/http"
	"strings"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type DashboardHandler struct {
	store  *database.Store
	sender Sender
	events Publisher
	clock  clock.Clock
	log    zerolog.Logger
}

func NewDashboardHandler(store *database.Store, sender Sender, events Publisher, clk clock.Clock, log zerolog.Logger) *DashboardHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DashboardHandler{store: store, sender: sender, events: events, clock: clk, log: log}
}

type Stats struct {
	Contacts     int   `json:"contacts"`
	Handover     int   `json:"handover"`
	FollowUps    int   `json:"follow_ups"`
	Messages     int64 `json:"messages"`
	UserMessages int64 `json:"user_messages"`
	BotMessages  int64 `json:"bot_messages"`
	Campaigns    int   `json:"campaigns"`
	Active       int   `json:"active_campaigns"`
	CampaignSent int   `json:"campaign_sent"`
}

func (h *DashboardHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	businessID := c.Param("businessId")
	if _, err := h.store.Business(ctx, businessID); err != nil {
		respondError(c, err)
		return
	}

	var st Stats
	contacts, err := h.store.ListContacts(ctx, businessID)
	if err != nil {
		respondError(c, err)
		return
	}
	st.Contacts = len(contacts)
	for _, ct := range contacts {
		if ct.IsHandover {
			st.Handover++
		}
		if ct.FollowUpActive {
			st.FollowUps++
		}
	}

	for role, dst := range map[string]*int64{"": &st.Messages, models.RoleUser: &st.UserMessages, models.RoleBot: &st.BotMessages} {
		n, err := h.store.CountMessages(ctx, businessID, role)
		if err != nil {
			respondError(c, err)
			return
		}
		*dst = n
	}

	campaigns, err := h.store.ListCampaigns(ctx, businessID)
	if err != nil {
		respondError(c, err)
		return
	}
	st.Campaigns = len(campaigns)
	for _, camp := range campaigns {
		if camp.IsActive {
			st.Active++
		}
		st.CampaignSent += camp.SentCount
	}
	c.JSON(http.StatusOK, st)
}

func (h *DashboardHandler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	if raw := c.Query("contact_id"); raw != "" {
		h.contactMessages(c, raw)
		return
	}
	list, err := h.store.ListMessages(ctx, c.Param("businessId"), limitQuery(c, 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *DashboardHandler) contactMessages(c *gin.Context, raw string) {
	id, ok := parseID(c, raw, "contact_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	contact, err := h.store.Contact(ctx, id)
	if err == nil && contact.BusinessID != c.Param("businessId") {
		err = errWrongBusiness
	}
	if err != nil {
		respondError(c, err)
		return
	}
	list, err := h.store.RecentMessages(ctx, contact.ID, limitQuery(c, 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	c.JSON(http.StatusOK, list)
}

type SendMessageRequest struct {
	ContactID uint   `json:"contact_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// SendMessage lets a human agent write to a contact through the business
// provider. The turn is stored as an agent message.
func (h *DashboardHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is empty"})
		return
	}
	ctx := c.Request.Context()
	b, err := h.store.Business(ctx, c.Param("businessId"))
	if err != nil {
		respondError(c, err)
		return
	}
	contact, err := h.store.Contact(ctx, req.ContactID)
	if err == nil && contact.BusinessID != b.ID {
		err = errWrongBusiness
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if contact.Phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contact has no phone number"})
		return
	}

	if !h.sender.Send(ctx, b, contact.Phone, text) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "message could not be delivered"})
		return
	}
	msg := &models.Message{
		BusinessID: b.ID,
		ContactID:  contact.ID,
		Role:       models.RoleAgent,
		Content:    text,
		Kind:       channel.KindText,
		Channel:    contact.Channel,
		CreatedAt:  h.clock.Now(),
	}
	if err := h.store.PersistMessage(ctx, msg); err != nil {
		h.log.Error().Err(err).Uint("contact_id", contact.ID).Msg("agent message sent but not stored")
		c.JSON(http.StatusOK, gin.H{"status": "sent", "stored": false})
		return
	}
	if h.events != nil {
		h.events.Publish(b.ID, ws.EventNewMessage, msg)
	}
	c.JSON(http.StatusOK, msg)
}
