package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/webhook-ingest/internal/database"
	"github.com/marminbh/webhook-ingest/internal/models"
)

// ErrInvalidTransition is returned when a status transition is requested for
// an event that is missing or already in a terminal status.
var ErrInvalidTransition = errors.New("webhook event is not in processing status")

// insertEventIfAbsent attempts a single-winner insert of the event row.
// Returns false when either uniqueness constraint already holds the delivery,
// expressed as ON CONFLICT DO NOTHING so the losing caller sees zero rows
// affected instead of an error.
func insertEventIfAbsent(db *gorm.DB, event *models.WebhookEvent) (bool, error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if res.Error != nil {
		// Some dialects surface the conflict as an error instead of
		// swallowing it; classify before propagating.
		if database.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// findExistingEvent loads the row that won the insert race, matched by either
// uniqueness key within the same source.
func findExistingEvent(db *gorm.DB, source, providerEventID string, requestID uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := db.
		Where("source = ? AND (provider_event_id = ? OR request_id = ?)", source, providerEventID, requestID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conflicting webhook event not found for source %s", source)
		}
		return nil, err
	}
	return &event, nil
}

// markEventDuplicate sets a freshly inserted row to duplicate status with the
// given error message. Used only for nonce replays detected after the insert.
func markEventDuplicate(db *gorm.DB, eventID uuid.UUID, errMsg string) error {
	return db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", eventID, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusDuplicate,
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// transitionEvent moves an event out of processing into a terminal status.
// The status guard in the WHERE clause makes terminal states final: a second
// transition matches zero rows and reports ErrInvalidTransition.
func transitionEvent(db *gorm.DB, eventID uuid.UUID, status models.WebhookEventStatus, errMsg *string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}

	res := db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", eventID, models.StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CountStuckProcessing returns how many events have sat in processing status
// longer than olderThan. The sweeper reports this for operator reconciliation;
// no automatic requeue or expiry is performed.
func CountStuckProcessing(db *gorm.DB, olderThan time.Duration) (int64, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-olderThan)
	err := db.Model(&models.WebhookEvent{}).
		Where("status = ? AND received_at < ?", models.StatusProcessing, cutoff).
		Count(&count).Error
	return count, err
}
