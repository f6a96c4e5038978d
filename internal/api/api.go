// Package api holds the dashboard and public chat HTTP handlers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"

	"github.com/gin-gonic/gin"
)

// Sender is the outbound side; *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, b *models.Business, destination, text string) bool
}

type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

var errWrongBusiness = errors.New("resource belongs to another business")

// respondError maps store errors to status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrBusinessNotFound),
		errors.Is(err, database.ErrContactNotFound),
		errors.Is(err, database.ErrCampaignNotFound),
		errors.Is(err, errWrongBusiness):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	return parseID(c, c.Param(name), name)
}

func parseID(c *gin.Context, raw, name string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func limitQuery(c *gin.Context, fallback, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
