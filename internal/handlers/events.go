package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/models"
)

// EventsHandler handles webhook event listing
type EventsHandler struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewEventsHandler creates a new events handler with dependencies
func NewEventsHandler(db *gorm.DB, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		DB:     db,
		Logger: logger,
	}
}

// EventsResponse represents the response structure for GET /events
type EventsResponse struct {
	Events  []EventDTO `json:"events"`
	HasMore bool       `json:"has_more"`
}

// EventDTO represents a single webhook event in the response
type EventDTO struct {
	ID              string  `json:"id"`
	Source          string  `json:"source"`
	ProviderEventID string  `json:"provider_event_id"`
	EventType       string  `json:"event_type"`
	Status          string  `json:"status"`
	SignatureValid  bool    `json:"signature_valid"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ReceivedAt      string  `json:"received_at"` // UTC ISO 8601
}

// GetEvents handles GET /events
// Query parameters:
//   - source (optional): filter by webhook source
//   - status (optional): filter by lifecycle status
//   - limit (optional, default 25), offset (optional, default 0)
func (h *EventsHandler) GetEvents(c *fiber.Ctx) error {
	limit := 25
	if limitStr := c.Query("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = parsedLimit
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsedOffset, err := strconv.Atoi(offsetStr)
		if err != nil || parsedOffset < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "offset must be a non-negative integer",
			})
		}
		offset = parsedOffset
	}

	query := h.DB.Model(&models.WebhookEvent{}).
		Order("received_at DESC").
		Limit(limit + 1). // Fetch one extra to determine has_more
		Offset(offset)

	if source := c.Query("source"); source != "" {
		query = query.Where("source = ?", source)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var events []models.WebhookEvent
	if err := query.Find(&events).Error; err != nil {
		h.Logger.Error("Failed to query webhook events",
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch events",
		})
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	eventDTOs := make([]EventDTO, 0, len(events))
	for _, event := range events {
		eventDTOs = append(eventDTOs, EventDTO{
			ID:              event.ID.String(),
			Source:          event.Source,
			ProviderEventID: event.ProviderEventID,
			EventType:       event.EventType,
			Status:          string(event.Status),
			SignatureValid:  event.SignatureValid,
			ErrorMessage:    event.ErrorMessage,
			ReceivedAt:      event.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(EventsResponse{
		Events:  eventDTOs,
		HasMore: hasMore,
	})
}
