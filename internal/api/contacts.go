package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type ContactHandler struct {
	store *database.Store
	clock clock.Clock
	log   zerolog.Logger
}

func NewContactHandler(store *database.Store, clk clock.Clock, log zerolog.Logger) *ContactHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ContactHandler{store: store, clock: clk, log: log}
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	contacts, err := h.store.ListContacts(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		respondError(c, err)
		return
	}
	// Return empty array instead of null
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

type CreateContactRequest struct {
	Phone string   `json:"phone" binding:"required"`
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	businessID := c.Param("businessId")
	var req CreateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	phone := channel.NormalizePhone(req.Phone)
	if phone == "" || channel.IsNonDirectSender(phone) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.Business(ctx, businessID); err != nil {
		respondError(c, err)
		return
	}

	contact, err := h.store.FindOrCreateContact(ctx, businessID, phone, models.ChannelWhatsApp, strings.TrimSpace(req.Name), h.clock.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Tags != nil {
		if err := h.store.SetContactTags(ctx, contact.ID, cleanTags(req.Tags)); err != nil {
			respondError(c, err)
			return
		}
		contact.Tags = cleanTags(req.Tags)
	}
	c.JSON(http.StatusCreated, contact)
}

// UpdateContactRequest is a partial update; omitted fields are kept.
type UpdateContactRequest struct {
	Name       *string  `json:"name"`
	Tags       []string `json:"tags"`
	IsHandover *bool    `json:"is_handover"`
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	id, ok := idParam(c, "contactId")
	if !ok {
		return
	}
	var req UpdateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	contact, err := h.contact(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	fields := database.ContactFields{Name: req.Name, IsHandover: req.IsHandover}
	if req.IsHandover != nil && *req.IsHandover {
		// a human took over; the bot must not chase the customer
		off := false
		fields.FollowUpActive = &off
	}
	if err := h.store.UpdateContactFields(ctx, contact.ID, fields); err != nil {
		respondError(c, err)
		return
	}
	if req.Tags != nil {
		if err := h.store.SetContactTags(ctx, contact.ID, cleanTags(req.Tags)); err != nil {
			respondError(c, err)
			return
		}
	}

	updated, err := h.store.Contact(ctx, contact.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.log.Info().Uint("contact_id", id).Str("business_id", updated.BusinessID).Msg("contact updated")
	c.JSON(http.StatusOK, updated)
}

// ExportContacts streams the business contacts as CSV.
func (h *ContactHandler) ExportContacts(c *gin.Context) {
	businessID := c.Param("businessId")
	contacts, err := h.store.ListContacts(c.Request.Context(), businessID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")
	w := csv.NewWriter(c.Writer)
	w.Write([]string{"Phone", "Name", "Tags", "Funnel Stage", "Handover", "Total Messages", "Created At"})
	for _, ct := range contacts {
		w.Write([]string{
			ct.Phone,
			ct.Name,
			strings.Join(ct.Tags, ";"),
			ct.FunnelStage,
			strconv.FormatBool(ct.IsHandover),
			strconv.Itoa(ct.TotalMessages),
			ct.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
}

// contact loads the contact and checks it belongs to the business in the path.
func (h *ContactHandler) contact(c *gin.Context, id uint) (*models.Contact, error) {
	contact, err := h.store.Contact(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if contact.BusinessID != c.Param("businessId") {
		return nil, errWrongBusiness
	}
	return contact, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
