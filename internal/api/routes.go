package api

import "github.com/gin-gonic/gin"

type Handlers struct {
	Contacts  *ContactHandler
	Campaigns *CampaignHandler
	Sessions  *SessionHandler
	Dashboard *DashboardHandler
	Chat      *ChatHandler
}

// Register mounts the /api routes. Nil handlers leave their routes out.
func (h Handlers) Register(r gin.IRouter) {
	api := r.Group("/api")

	if h.Chat != nil {
		api.POST("/public/chat", h.Chat.PublicChat)
	}

	biz := api.Group("/businesses/:businessId")
	if h.Contacts != nil {
		biz.GET("/contacts", h.Contacts.GetContacts)
		biz.POST("/contacts", h.Contacts.CreateContact)
		biz.PUT("/contacts/:contactId", h.Contacts.UpdateContact)
		biz.GET("/contacts/export", h.Contacts.ExportContacts)
	}
	if h.Campaigns != nil {
		biz.GET("/campaigns", h.Campaigns.GetCampaigns)
		biz.POST("/campaigns", h.Campaigns.CreateCampaign)
		biz.PUT("/campaigns/:campaignId", h.Campaigns.UpdateCampaign)
		biz.PATCH("/campaigns/:campaignId/toggle", h.Campaigns.ToggleCampaign)
		biz.GET("/campaigns/:campaignId/logs", h.Campaigns.GetLogs)
	}
	if h.Sessions != nil {
		biz.POST("/session/connect", h.Sessions.Connect)
		biz.GET("/session", h.Sessions.GetStatus)
		biz.GET("/session/qr", h.Sessions.GetQR)
		biz.POST("/session/logout", h.Sessions.Logout)
	}
	if h.Dashboard != nil {
		biz.GET("/stats", h.Dashboard.GetStats)
		biz.GET("/messages", h.Dashboard.GetMessages)
		biz.POST("/messages", h.Dashboard.SendMessage)
	}
}
