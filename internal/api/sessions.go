package api

import (
	"context"
	"errors"
	"net/http"

	"whatsapp-chatbot/internal/session"

	"github.com/gin-gonic/gin"
)

// SessionManager is implemented by *session.Registry.
type SessionManager interface {
	Connect(ctx context.Context, businessID string) (session.Status, error)
	Status(businessID string) session.Status
	QR(businessID string) (string, error)
	Logout(ctx context.Context, businessID string) error
}

type SessionHandler struct {
	sessions SessionManager
}

func NewSessionHandler(sessions SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Connect(c *gin.Context) {
	st, err := h.sessions.Connect(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Status(c.Param("businessId")))
}

func (h *SessionHandler) GetQR(c *gin.Context) {
	qr, err := h.sessions.QR(c.Param("businessId"))
	switch {
	case errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionNotReady):
		// no code yet, or the device is already paired
		c.JSON(http.StatusAccepted, gin.H{"status": h.sessions.Status(c.Param("businessId"))})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"qr_code": qr})
	}
}

func (h *SessionHandler) Logout(c *gin.Context) {
	err := h.sessions.Logout(c.Request.Context(), c.Param("businessId"))
	if errors.Is(err, session.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}
