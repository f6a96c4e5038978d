package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-chatbot/internal/ai"
	"whatsapp-chatbot/internal/api"
	"whatsapp-chatbot/internal/campaign"
	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/dispatch"
	"whatsapp-chatbot/internal/inbound"
	"whatsapp-chatbot/internal/logger"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/session"
	"whatsapp-chatbot/internal/storage"
	"whatsapp-chatbot/internal/webhook"
	"whatsapp-chatbot/internal/whatsapp"
	"whatsapp-chatbot/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

const (
	providerTimeout = 20 * time.Second
	mediaTimeout    = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	envErr := config.LoadEnv()
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("no .env file loaded, using the process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database, logger.Component(log, "database"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	store := database.NewStore(db)
	clk := clock.Real{}

	hub := ws.NewHub(logger.Component(log, "ws"))
	go hub.Run(ctx)

	aiClient := ai.NewClient(cfg.AI)
	cloud := whatsapp.NewClient(cfg.Cloud, providerTimeout)
	twilio := whatsapp.NewTwilioClient(cfg.Twilio, providerTimeout)
	dispatcher := dispatch.New(logger.Component(log, "dispatch"), providerTimeout)
	dispatcher.Register(models.ProviderTwilio, twilio)
	dispatcher.Register(models.ProviderCloudAPI, cloud)

	archive, err := storage.NewS3Archive(cfg.Archive)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure media archive")
	}
	var archiver inbound.Archiver
	if archive != nil {
		archiver = archive
	}

	orchestrator := inbound.New(inbound.Options{
		Store:      store,
		AI:         aiClient,
		Enricher:   aiClient,
		Sender:     dispatcher,
		Archive:    archiver,
		Events:     hub,
		Clock:      clk,
		Config:     cfg.Inbound,
		SkipDelays: cfg.SkipDelays,
		Log:        logger.Component(log, "inbound"),
	})

	sessions, err := session.Open(ctx, session.Options{
		Store:   store,
		Config:  cfg.Session,
		Inbound: orchestrator,
		Events:  hub,
		Clock:   clk,
		Log:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	dispatcher.Register(models.ProviderSession, sessions)
	go func() {
		if err := sessions.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("some sessions were not restored")
		}
	}()

	scheduler := campaign.New(campaign.Options{
		Store:      store,
		AI:         aiClient,
		Sender:     dispatcher,
		Events:     hub,
		Clock:      clk,
		Config:     cfg.Campaign,
		SkipDelays: cfg.SkipDelays,
		Log:        log,
	})
	go scheduler.Run(ctx)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if gin.IsDebugging() {
		r.Use(gin.Logger())
	}

	webhook.NewHandler(webhook.Options{
		VerifyToken:  cfg.Cloud.VerifyToken,
		Inbound:      orchestrator,
		CloudMedia:   cloud,
		GatewayMedia: channel.NewHTTPFetcher(mediaTimeout, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
		Clock:        clk,
		Log:          log,
	}).Register(r)

	apiLog := logger.Component(log, "api")
	api.Handlers{
		Contacts:  api.NewContactHandler(store, clk, apiLog),
		Campaigns: api.NewCampaignHandler(store, apiLog),
		Sessions:  api.NewSessionHandler(sessions),
		Dashboard: api.NewDashboardHandler(store, dispatcher, hub, clk, apiLog),
		Chat:      api.NewChatHandler(orchestrator, apiLog),
	}.Register(r)

	r.GET("/ws", func(c *gin.Context) { hub.ServeWs(c.Writer, c.Request) })
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Origin", "Cache-Control", "X-Requested-With"},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to run server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	orchestrator.Close()
	if err := sessions.Close(); err != nil {
		log.Warn().Err(err).Msg("session store close")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
