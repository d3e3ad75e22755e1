package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/models"
)

// NonceLedger tracks single-use tokens per source within a fixed retention
// window. Atomicity comes from the (source, nonce) unique constraint: two
// callers racing to record the same nonce resolve to exactly one winner, and
// the loser's insert fails with a duplicate-key error that the gate treats as
// a replay.
type NonceLedger struct {
	db        *gorm.DB
	retention time.Duration
	logger    *zap.Logger
}

// NewNonceLedger creates a ledger with the given replay window.
func NewNonceLedger(db *gorm.DB, retention time.Duration, logger *zap.Logger) *NonceLedger {
	return &NonceLedger{
		db:        db,
		retention: retention,
		logger:    logger,
	}
}

// IsNonceUsed reports whether the nonce has already been recorded for the
// source.
func (l *NonceLedger) IsNonceUsed(ctx context.Context, source, nonce string) (bool, error) {
	var record models.WebhookNonce
	err := l.db.WithContext(ctx).
		Where("source = ? AND nonce = ?", source, nonce).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordNonce stores the first legitimate use of a nonce. A duplicate-key
// error means another caller recorded it first; the caller must treat that
// as a replay, not a no-op.
func (l *NonceLedger) RecordNonce(ctx context.Context, source, nonce string) error {
	record := models.WebhookNonce{
		Source: source,
		Nonce:  nonce,
		UsedAt: time.Now().UTC(),
	}
	return l.db.WithContext(ctx).Create(&record).Error
}

// CleanupOldNonces deletes nonces older than the retention window and returns
// how many were removed. A nonce reused after this sweep is no longer
// detectable as a replay; that is the accepted boundary of the replay window,
// not a defect.
func (l *NonceLedger) CleanupOldNonces(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.retention)
	res := l.db.WithContext(ctx).
		Where("used_at < ?", cutoff).
		Delete(&models.WebhookNonce{})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		l.logger.Debug("Cleaned up expired nonces",
			zap.Int64("removed", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}
