package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/marminbh/webhook-ingest/internal/handlers"
)

// SetupRoutes configures all application routes with dependencies
func SetupRoutes(
	app *fiber.App,
	healthHandler *handlers.HealthHandler,
	webhooksHandler *handlers.WebhooksHandler,
	eventsHandler *handlers.EventsHandler,
) {
	// Health check endpoint
	app.Get("/health", healthHandler.HealthCheck)

	// API v1 routes
	api := app.Group("/api/v1")
	{
		api.Post("/webhooks/:source", webhooksHandler.Receive)
		api.Get("/events", eventsHandler.GetEvents)
	}
}
