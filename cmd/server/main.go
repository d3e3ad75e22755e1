package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/marminbh/webhook-ingest/internal/config"
	"github.com/marminbh/webhook-ingest/internal/database"
	"github.com/marminbh/webhook-ingest/internal/handlers"
	"github.com/marminbh/webhook-ingest/internal/ingest"
	"github.com/marminbh/webhook-ingest/internal/logger"
	"github.com/marminbh/webhook-ingest/internal/publisher"
	"github.com/marminbh/webhook-ingest/internal/rabbitmq"
	"github.com/marminbh/webhook-ingest/internal/routes"
	"github.com/marminbh/webhook-ingest/internal/service"
	"github.com/marminbh/webhook-ingest/internal/sweeper"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync(log)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	// Apply migrations before opening the pooled connection
	if err := database.RunMigrations(&cfg.Database, database.DefaultMigrationsPath, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	// Connect to RabbitMQ
	rmq := rabbitmq.NewConnection(&cfg.RabbitMQ, log)
	if err := rmq.Connect(); err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rmq.Close()

	// Ingestion core
	nonces := ingest.NewNonceLedger(db, cfg.Ingest.NonceRetention, log)
	gate := ingest.NewGate(db, nonces, log)
	limiter := ingest.NewRateLimiter(db, ingest.RateLimiterOptions{
		BurstCapacity:   cfg.Ingest.DefaultBurstCapacity,
		SustainedPerMin: cfg.Ingest.DefaultSustainedPerMin,
		BucketRetention: cfg.Ingest.BucketRetention,
	}, log)

	svc := service.New(db, log, rmq, gate, nonces, limiter)

	// Maintenance sweeper
	sw := sweeper.New(svc.DB, svc.Nonces, svc.Limiter, &cfg.Ingest, svc.Logger)
	sw.Start()
	defer sw.Stop()

	// Handlers
	pub := publisher.New(svc.RMQ, &cfg.RabbitMQ, svc.Logger)
	healthHandler := handlers.NewHealthHandler(svc.DB, svc.RMQ)
	webhooksHandler := handlers.NewWebhooksHandler(svc.DB, svc.Gate, svc.Limiter, pub, svc.Logger)
	eventsHandler := handlers.NewEventsHandler(svc.DB, svc.Logger)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Webhook Ingest",
		ServerHeader: "Fiber",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Webhook-Signature,X-Webhook-Nonce,X-Request-ID",
	}))

	// Setup routes
	routes.SetupRoutes(app, healthHandler, webhooksHandler, eventsHandler)

	// Start server in a goroutine
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		log.Info("Server starting",
			zap.String("address", addr),
		)
		if err := app.Listen(addr); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}
