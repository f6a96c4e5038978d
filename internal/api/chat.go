package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/inbound"
	wire "whatsapp-chatbot/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WebChat answers public chat messages; *inbound.Orchestrator implements it.
type WebChat interface {
	HandleWebChat(ctx context.Context, businessID, sessionID, text string) (string, error)
}

type ChatHandler struct {
	chat WebChat
	log  zerolog.Logger
}

func NewChatHandler(chat WebChat, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, log: log}
}

// PublicChat is the synchronous web chat endpoint. Clients that send no
// sessionId get a new one back and should reuse it.
func (h *ChatHandler) PublicChat(c *gin.Context) {
	var req wire.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	reply, err := h.chat.HandleWebChat(c.Request.Context(), req.BusinessID, sessionID, req.Message)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"responseText": reply, "sessionId": sessionID})
	case errors.Is(err, inbound.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
	case errors.Is(err, inbound.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages, slow down"})
	case errors.Is(err, database.ErrBusinessNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
	default:
		h.log.Error().Err(err).Str("business_id", req.BusinessID).Str("session_id", sessionID).Msg("web chat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not process the message"})
	}
}
