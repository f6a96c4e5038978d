// Package webhook receives provider callbacks (Twilio and Cloud API) and
// feeds them to the inbound pipeline.
package webhook

import (
	"context"
	"errors"
	"net/http"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/inbound"
	wire "whatsapp-chatbot/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type Inbound interface {
	HandleInbound(ctx context.Context, msg channel.NormalizedMessage) error
}

type Options struct {
	VerifyToken string
	Inbound     Inbound
	// CloudMedia resolves Cloud API media ids; GatewayMedia downloads
	// Twilio media urls.
	CloudMedia   channel.MediaFetcher
	GatewayMedia channel.MediaFetcher
	Clock        clock.Clock
	Log          zerolog.Logger
}

type Handler struct {
	verifyToken  string
	inbound      Inbound
	cloudMedia   channel.MediaFetcher
	gatewayMedia channel.MediaFetcher
	clock        clock.Clock
	log          zerolog.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Handler{
		verifyToken:  opts.VerifyToken,
		inbound:      opts.Inbound,
		cloudMedia:   opts.CloudMedia,
		gatewayMedia: opts.GatewayMedia,
		clock:        opts.Clock,
		log:          opts.Log.With().Str("component", "webhook").Logger(),
	}
}

// Register mounts the webhook routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/webhook/cloud/:businessId", h.VerifyWebhook)
	r.POST("/webhook/cloud/:businessId", h.HandleCloud)
	r.POST("/webhook/twilio/:businessId", h.HandleTwilio)
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		c.Status(http.StatusForbidden)
		return
	}
	h.log.Info().Str("business_id", c.Param("businessId")).Msg("webhook verified")
	c.String(http.StatusOK, challenge)
}

// HandleCloud always answers 200 once the payload parses, so the Graph API
// does not redeliver messages that were deliberately ignored.
func (h *Handler) HandleCloud(c *gin.Context) {
	businessID := c.Param("businessId")
	var payload wire.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.log.Warn().Err(err).Msg("invalid cloud payload")
		c.Status(http.StatusBadRequest)
		return
	}

	msgs, err := channel.NormalizeCloud(c.Request.Context(), businessID, payload, h.cloudMedia, h.clock.Now())
	if err != nil {
		h.log.Warn().Err(err).Str("business_id", businessID).Msg("cloud media download failed")
	}
	for _, msg := range msgs {
		h.deliver(c.Request.Context(), msg)
	}
	c.Status(http.StatusOK)
}

func (h *Handler) HandleTwilio(c *gin.Context) {
	businessID := c.Param("businessId")
	var form wire.TwilioForm
	if err := c.ShouldBind(&form); err != nil {
		h.log.Warn().Err(err).Msg("invalid twilio form")
		c.Status(http.StatusBadRequest)
		return
	}

	msg, err := channel.NormalizeGateway(c.Request.Context(), businessID, form, h.gatewayMedia, h.clock.Now())
	if err != nil {
		h.log.Warn().Err(err).Str("business_id", businessID).Msg("twilio media download failed")
	}
	h.deliver(c.Request.Context(), msg)
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(emptyTwiML))
}

func (h *Handler) deliver(ctx context.Context, msg channel.NormalizedMessage) {
	err := h.inbound.HandleInbound(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, inbound.ErrEmptyMessage), errors.Is(err, inbound.ErrRateLimited):
		h.log.Debug().Err(err).Str("sender", msg.Sender).Msg("inbound message dropped")
	default:
		h.log.Error().Err(err).Str("sender", msg.Sender).Msg("inbound message failed")
	}
}
