package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"specgap/api-gateway/config"
	"specgap/api-gateway/handlers"
	"specgap/api-gateway/internal/engine"
	"specgap/api-gateway/internal/events"
	"specgap/api-gateway/internal/orchestrator"
	"specgap/api-gateway/internal/pipeline"
	"specgap/api-gateway/internal/queue"
	"specgap/api-gateway/internal/store"
	"specgap/api-gateway/middleware"
)

func main() {
	cfg := config.Load()
	config.InitLogger(cfg.LogLevel)
	log := config.Log

	eng := engine.NewClient(engine.ClientConfig{
		BaseURL:    cfg.EngineBaseURL,
		Model:      cfg.EngineModel,
		APIKey:     cfg.EngineAPIKey,
		RoundKeys:  cfg.EngineRoundKeys,
		MaxRetries: cfg.EngineMaxRetries,
		Log:        log,
	})
	pipe, err := pipeline.New(eng, log)
	if err != nil {
		log.WithError(err).Fatal("invalid stage configuration")
	}

	quota := queue.NewQuota(cfg.DailyQuotaLimit, nil, log)
	qm := queue.NewManager(quota, queue.Options{
		EstimatedRunSeconds: cfg.EstimatedAnalysisSec,
		RetainTerminal:      cfg.RetainTerminal,
		Log:                 log,
	})
	broadcaster := events.NewBroadcaster(log)

	var (
		auditStore *store.AuditStore
		orcStore   orchestrator.AuditStore
		lister     handlers.AuditLister
	)
	if db, err := config.NewSupabaseClient(cfg); err != nil {
		log.WithError(err).Warn("audit persistence disabled")
	} else {
		auditStore = store.NewAuditStore(db, log)
		orcStore = auditStore
		lister = auditStore
	}

	orc := orchestrator.New(qm, pipe, broadcaster, orchestrator.Options{
		AnalysisTimeout: cfg.AnalysisTimeout,
		Store:           orcStore,
		Log:             log,
	})
	orc.Start()

	h := handlers.NewApplicationHandler(orc, lister, log)

	app := fiber.New(fiber.Config{
		AppName: "specgap-api-gateway",
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(middleware.RequestLogger(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"message": "API Gateway is healthy",
		})
	})

	apiV1 := app.Group("/api/v1")
	apiV1.Post("/queue/enqueue", h.EnqueueAnalysis)
	apiV1.Get("/queue/status", h.GetQueueStatus)
	apiV1.Get("/queue/info", h.GetQueueInfo)
	apiV1.Delete("/queue/cancel/:id", h.CancelQueueEntry)
	apiV1.Get("/queue/stream/:sessionId", h.StreamSession)
	apiV1.Get("/audits", h.ListAudits)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutdown signal received")
		_ = app.Shutdown()
	}()

	log.WithField("port", cfg.Port).Info("starting API gateway")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("server stopped")
	}

	orc.Stop()
	log.Info("shutdown complete")
}
