package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/ingest"
	"github.com/marminbh/webhook-ingest/internal/models"
)

// Header names consumed by the receiver.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderRequestID = "X-Request-ID"
	HeaderNonce     = "X-Webhook-Nonce"
)

// AcceptedPublisher forwards newly admitted events to the downstream
// processor. What happens to the event after the publish is out of the
// receiver's hands.
type AcceptedPublisher interface {
	PublishAccepted(ctx context.Context, eventID uuid.UUID, source, eventType string) error
}

// WebhooksHandler is the inbound receiver. It resolves the source, applies
// rate limiting, verifies the payload signature, and hands the delivery to
// the idempotency gate.
type WebhooksHandler struct {
	DB        *gorm.DB
	Gate      *ingest.Gate
	Limiter   *ingest.RateLimiter
	Publisher AcceptedPublisher
	Logger    *zap.Logger
}

// NewWebhooksHandler creates a new webhooks handler with dependencies
func NewWebhooksHandler(db *gorm.DB, gate *ingest.Gate, limiter *ingest.RateLimiter, pub AcceptedPublisher, logger *zap.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		DB:        db,
		Gate:      gate,
		Limiter:   limiter,
		Publisher: pub,
		Logger:    logger,
	}
}

// webhookPayload is the minimal envelope the receiver needs from the body.
// Providers disagree on field names, so both common spellings are accepted.
type webhookPayload struct {
	EventID   string `json:"event_id"`
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Type      string `json:"type"`
}

func (p webhookPayload) providerEventID() string {
	if p.EventID != "" {
		return p.EventID
	}
	return p.ID
}

func (p webhookPayload) eventType() string {
	if p.EventType != "" {
		return p.EventType
	}
	return p.Type
}

// WebhookResponse is the receiver's reply for recorded deliveries.
type WebhookResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

// Receive handles POST /api/v1/webhooks/:source
//
// Order of checks: source resolution, rate limit, signature, idempotency
// gate. Invalid signatures are still recorded (signature_valid=false) before
// the 401 so the delivery keeps its audit row and a later signed retry is
// reported as a duplicate.
func (h *WebhooksHandler) Receive(c *fiber.Ctx) error {
	sourceName := c.Params("source")

	source, err := h.lookupSource(c.Context(), sourceName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown webhook source",
			})
		}
		h.Logger.Error("Failed to look up webhook source",
			zap.String("source", sourceName),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to resolve webhook source",
		})
	}

	limit, err := h.checkoutLimit(c.Context(), source)
	if err != nil {
		h.Logger.Error("Rate limit checkout failed",
			zap.String("source", source.Name),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "rate limit check failed",
		})
	}
	if !limit.Allowed {
		retryAfter := int(limit.RetryAfter.Seconds()) + 1
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "rate limit exceeded",
			"retry_after": retryAfter,
		})
	}

	body := c.Body()
	signatureValid := VerifySignature(body, c.Get(HeaderSignature), source.Secret)

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON payload",
		})
	}
	if payload.providerEventID() == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "payload must carry an event id",
		})
	}

	requestID, err := h.requestID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Request-ID must be a UUID",
		})
	}

	result, err := h.Gate.ProcessWebhookAtomically(c.Context(), ingest.ProcessRequest{
		Source:          source.Name,
		ProviderEventID: payload.providerEventID(),
		RequestID:       requestID,
		Nonce:           c.Get(HeaderNonce),
		EventType:       payload.eventType(),
		PayloadHash:     PayloadHash(body),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		h.Logger.Error("Failed to process webhook",
			zap.String("source", source.Name),
			zap.String("provider_event_id", payload.providerEventID()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to record webhook",
		})
	}

	if !signatureValid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":    "invalid signature",
			"event_id": result.EventID.String(),
		})
	}

	response := WebhookResponse{
		EventID:   result.EventID.String(),
		Duplicate: result.IsDuplicate,
		Message:   result.Message,
	}

	if result.IsDuplicate {
		return c.Status(fiber.StatusOK).JSON(response)
	}

	if h.Publisher != nil {
		if err := h.Publisher.PublishAccepted(c.Context(), result.EventID, source.Name, payload.eventType()); err != nil {
			// The event row exists, so the delivery is safe; the downstream
			// processor will pick it up once the broker recovers.
			h.Logger.Error("Failed to publish accepted event",
				zap.String("event_id", result.EventID.String()),
				zap.Error(err),
			)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(response)
}

func (h *WebhooksHandler) lookupSource(ctx context.Context, name string) (*models.WebhookSource, error) {
	var source models.WebhookSource
	err := h.DB.WithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		First(&source).Error
	if err != nil {
		return nil, err
	}
	return &source, nil
}

func (h *WebhooksHandler) checkoutLimit(ctx context.Context, source *models.WebhookSource) (ingest.CheckoutResult, error) {
	if source.BurstCapacity != nil || source.SustainedPerMin != nil {
		var burst, sustained float64
		if source.BurstCapacity != nil {
			burst = *source.BurstCapacity
		}
		if source.SustainedPerMin != nil {
			sustained = *source.SustainedPerMin
		}
		return h.Limiter.CheckoutWithLimits(ctx, source.Name, 1, burst, sustained)
	}
	return h.Limiter.CheckoutRateLimit(ctx, source.Name, 1)
}

// requestID takes the caller-assigned per-delivery id from the header, or
// mints one when the provider does not send it. A minted id still keeps the
// (source, provider_event_id) key effective; only physical-delivery dedup is
// reduced to the logical key.
func (h *WebhooksHandler) requestID(c *fiber.Ctx) (uuid.UUID, error) {
	raw := c.Get(HeaderRequestID)
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid request id %q: %w", raw, err)
	}
	return id, nil
}
