package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/database"
	"github.com/marminbh/webhook-ingest/internal/models"
)

const (
	// MessageDuplicate is returned when the same delivery has already been
	// recorded under either uniqueness key.
	MessageDuplicate = "duplicate webhook detected (idempotent)"

	// MessageReplay is returned (and stored as the event's error message)
	// when the delivery carried a nonce that was already used.
	MessageReplay = "replay attack detected"

	// MessageRecorded is returned for a newly recorded delivery.
	MessageRecorded = "webhook recorded"
)

// Gate is the idempotency gate of the ingestion core. It records webhook
// deliveries with exactly-once semantics: concurrent deliveries of the same
// event race on a single-winner insert, and nonce reuse within the replay
// window is flagged as a replay. Safe to call from any number of goroutines
// or service replicas; all coordination lives in the storage constraints.
type Gate struct {
	db     *gorm.DB
	nonces *NonceLedger
	logger *zap.Logger
}

// NewGate creates an idempotency gate backed by db, using ledger for replay
// detection.
func NewGate(db *gorm.DB, ledger *NonceLedger, logger *zap.Logger) *Gate {
	return &Gate{
		db:     db,
		nonces: ledger,
		logger: logger,
	}
}

// ProcessRequest carries the identifiers of one physical webhook delivery.
// SignatureValid must reflect the caller's own verification of the raw
// payload; the gate records it for audit and does not verify anything.
type ProcessRequest struct {
	Source          string
	ProviderEventID string
	RequestID       uuid.UUID
	Nonce           string
	EventType       string
	PayloadHash     string
	SignatureValid  bool
}

// ProcessResult is the gate's verdict. Duplicate and replay are routine
// outcomes, never errors; Replay distinguishes nonce reuse from an ordinary
// idempotent duplicate so the two can be audited separately.
type ProcessResult struct {
	IsDuplicate bool
	Replay      bool
	EventID     uuid.UUID
	Message     string
}

// ProcessWebhookAtomically records one delivery attempt and returns whether
// it was new or a duplicate.
//
// The insert itself is the synchronization point: of N concurrent calls with
// the same (source, provider_event_id) or (source, request_id), exactly one
// insert wins and the rest observe the conflict. A supplied nonce is then
// checked against the ledger; if it was already used, the freshly inserted
// row is marked duplicate with MessageReplay. Only unexpected storage
// failures are returned as errors.
func (g *Gate) ProcessWebhookAtomically(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	if req.Source == "" {
		return ProcessResult{}, fmt.Errorf("source is required")
	}
	if req.ProviderEventID == "" {
		return ProcessResult{}, fmt.Errorf("provider event id is required")
	}
	if req.RequestID == uuid.Nil {
		return ProcessResult{}, fmt.Errorf("request id is required")
	}

	now := time.Now().UTC()
	event := models.WebhookEvent{
		ID:              uuid.New(),
		Source:          req.Source,
		ProviderEventID: req.ProviderEventID,
		RequestID:       req.RequestID,
		EventType:       req.EventType,
		PayloadHash:     req.PayloadHash,
		SignatureValid:  req.SignatureValid,
		Status:          models.StatusProcessing,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}

	inserted, err := insertEventIfAbsent(g.db.WithContext(ctx), &event)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to record webhook event: %w", err)
	}

	if !inserted {
		existing, err := findExistingEvent(g.db.WithContext(ctx), req.Source, req.ProviderEventID, req.RequestID)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("failed to load existing webhook event: %w", err)
		}

		g.logger.Info("Duplicate webhook delivery",
			zap.String("source", req.Source),
			zap.String("provider_event_id", req.ProviderEventID),
			zap.String("event_id", existing.ID.String()),
		)

		return ProcessResult{
			IsDuplicate: true,
			EventID:     existing.ID,
			Message:     MessageDuplicate,
		}, nil
	}

	if req.Nonce != "" {
		replayed, err := g.checkAndRecordNonce(ctx, req.Source, req.Nonce)
		if err != nil {
			return ProcessResult{}, err
		}
		if replayed {
			if err := markEventDuplicate(g.db.WithContext(ctx), event.ID, MessageReplay); err != nil {
				return ProcessResult{}, fmt.Errorf("failed to mark replayed event: %w", err)
			}

			g.logger.Warn("Replay attack detected",
				zap.String("source", req.Source),
				zap.String("provider_event_id", req.ProviderEventID),
				zap.String("event_id", event.ID.String()),
			)

			return ProcessResult{
				IsDuplicate: true,
				Replay:      true,
				EventID:     event.ID,
				Message:     MessageReplay,
			}, nil
		}
	}

	return ProcessResult{
		EventID: event.ID,
		Message: MessageRecorded,
	}, nil
}

// checkAndRecordNonce returns true when the nonce was already used. The
// check and the record are separate statements; a race between two callers
// recording the same nonce resolves at the (source, nonce) unique constraint,
// and the loser is treated as a replay rather than a silent no-op.
func (g *Gate) checkAndRecordNonce(ctx context.Context, source, nonce string) (bool, error) {
	used, err := g.nonces.IsNonceUsed(ctx, source, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		return true, nil
	}

	if err := g.nonces.RecordNonce(ctx, source, nonce); err != nil {
		if database.IsDuplicateKeyErr(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	return false, nil
}

// MarkCompleted transitions an event from processing to completed. This is
// the downstream handler's acknowledgement after it finished processing the
// payload.
func (g *Gate) MarkCompleted(ctx context.Context, eventID uuid.UUID) error {
	return transitionEvent(g.db.WithContext(ctx), eventID, models.StatusCompleted, nil)
}

// MarkFailed transitions an event from processing to failed, recording the
// handler's error message.
func (g *Gate) MarkFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	return transitionEvent(g.db.WithContext(ctx), eventID, models.StatusFailed, &errMsg)
}
