package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/webhook-ingest/internal/models"
)

// checkoutRetries bounds the compare-and-swap loop. Contention on a single
// source's bucket resolves within a couple of rounds; exhausting the budget
// means something is wrong with the storage layer.
const checkoutRetries = 5

// RateLimiter is a per-source token bucket persisted in the database.
// Refill is computed lazily on every checkout, so no background thread is
// needed, and every refill-then-deduct is a guarded single-row update: two
// concurrent checkouts can never both spend the same tokens, even across
// service replicas.
type RateLimiter struct {
	db        *gorm.DB
	logger    *zap.Logger
	burst     float64
	perSec    float64
	retention time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// RateLimiterOptions carries the service-wide defaults. SustainedPerMin is
// the configuration-facing unit; the limiter works in tokens per second.
type RateLimiterOptions struct {
	BurstCapacity   float64
	SustainedPerMin float64
	BucketRetention time.Duration
}

// NewRateLimiter creates a limiter with the given defaults.
func NewRateLimiter(db *gorm.DB, opts RateLimiterOptions, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		db:        db,
		logger:    logger,
		burst:     opts.BurstCapacity,
		perSec:    opts.SustainedPerMin / 60.0,
		retention: opts.BucketRetention,
		now:       time.Now,
	}
}

// CheckoutResult is the admission verdict for one checkout. Denial is a
// routine outcome carrying the wait until the bucket can cover the cost.
type CheckoutResult struct {
	Allowed         bool
	TokensRemaining float64
	RetryAfter      time.Duration
}

// CheckoutRateLimit spends cost tokens from the source's bucket using the
// service-wide defaults.
func (l *RateLimiter) CheckoutRateLimit(ctx context.Context, source string, cost float64) (CheckoutResult, error) {
	return l.CheckoutWithLimits(ctx, source, cost, l.burst, l.perSec*60)
}

// CheckoutWithLimits spends cost tokens using explicit per-source limits
// (burst capacity and sustained tokens per minute). The bucket row is created
// lazily at full burst on first use.
//
// The refill-then-deduct is optimistic: load the row, compute the refilled
// balance in memory, then apply it with an update guarded on the tokens value
// that was read. A concurrent checkout that got there first changes the
// stored value, the guard matches zero rows, and the loop retries against
// fresh state.
func (l *RateLimiter) CheckoutWithLimits(ctx context.Context, source string, cost, burst, sustainedPerMin float64) (CheckoutResult, error) {
	if source == "" {
		return CheckoutResult{}, fmt.Errorf("source is required")
	}
	if cost <= 0 {
		cost = 1
	}
	if burst <= 0 {
		burst = l.burst
	}
	perSec := sustainedPerMin / 60.0
	if perSec <= 0 {
		perSec = l.perSec
	}

	db := l.db.WithContext(ctx)

	for attempt := 0; attempt < checkoutRetries; attempt++ {
		bucket, err := l.loadBucket(db, source)
		if err != nil {
			return CheckoutResult{}, err
		}

		if bucket == nil {
			// First request for this source: create the bucket already
			// drained by this checkout. A lost creation race falls through
			// to the guarded-update path on the next attempt.
			created, res, err := l.createBucket(db, source, cost, burst, perSec)
			if err != nil {
				return CheckoutResult{}, err
			}
			if created {
				return res, nil
			}
			continue
		}

		now := l.now().UTC()
		elapsed := now.Sub(bucket.LastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := bucket.Tokens + elapsed*perSec
		if refilled > burst {
			refilled = burst
		}

		if refilled < cost {
			// Denied. Persist the accrued refill so the balance keeps
			// building toward the next attempt; losing this write to a
			// concurrent checkout is harmless.
			l.storeRefill(db, bucket, refilled, now)

			deficit := cost - refilled
			retryAfter := time.Duration(deficit / perSec * float64(time.Second))
			return CheckoutResult{
				Allowed:         false,
				TokensRemaining: refilled,
				RetryAfter:      retryAfter,
			}, nil
		}

		remaining := refilled - cost
		applied, err := l.applyCheckout(db, bucket, remaining, now)
		if err != nil {
			return CheckoutResult{}, err
		}
		if applied {
			return CheckoutResult{
				Allowed:         true,
				TokensRemaining: remaining,
			}, nil
		}
		// Guard mismatch: another checkout spent from this bucket first.
	}

	return CheckoutResult{}, fmt.Errorf("rate limit checkout for source %s did not converge after %d attempts", source, checkoutRetries)
}

func (l *RateLimiter) loadBucket(db *gorm.DB, source string) (*models.RateLimitBucket, error) {
	var bucket models.RateLimitBucket
	err := db.Where("bucket_key = ?", source).First(&bucket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load rate limit bucket: %w", err)
	}
	return &bucket, nil
}

func (l *RateLimiter) createBucket(db *gorm.DB, source string, cost, burst, perSec float64) (bool, CheckoutResult, error) {
	now := l.now().UTC()

	tokens := burst - cost
	allowed := true
	if tokens < 0 {
		// Cost exceeds even a full bucket; record the full bucket and deny.
		tokens = burst
		allowed = false
	}

	bucket := models.RateLimitBucket{
		BucketKey:       source,
		Tokens:          tokens,
		BurstCapacity:   burst,
		SustainedPerSec: perSec,
		LastRefill:      now,
		UpdatedAt:       now,
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&bucket)
	if res.Error != nil {
		return false, CheckoutResult{}, fmt.Errorf("failed to create rate limit bucket: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, CheckoutResult{}, nil
	}

	if !allowed {
		deficit := cost - burst
		return true, CheckoutResult{
			Allowed:         false,
			TokensRemaining: tokens,
			RetryAfter:      time.Duration(deficit / perSec * float64(time.Second)),
		}, nil
	}
	return true, CheckoutResult{Allowed: true, TokensRemaining: tokens}, nil
}

// applyCheckout writes the refilled-and-decremented balance, guarded on the
// tokens value the caller read. Zero rows affected means the guard lost a
// race and the caller must retry with fresh state.
func (l *RateLimiter) applyCheckout(db *gorm.DB, bucket *models.RateLimitBucket, remaining float64, now time.Time) (bool, error) {
	res := db.Model(&models.RateLimitBucket{}).
		Where("bucket_key = ? AND tokens = ?", bucket.BucketKey, bucket.Tokens).
		Updates(map[string]interface{}{
			"tokens":      remaining,
			"last_refill": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update rate limit bucket: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// storeRefill persists accrued tokens on the denial path, best effort.
func (l *RateLimiter) storeRefill(db *gorm.DB, bucket *models.RateLimitBucket, refilled float64, now time.Time) {
	err := db.Model(&models.RateLimitBucket{}).
		Where("bucket_key = ? AND tokens = ?", bucket.BucketKey, bucket.Tokens).
		Updates(map[string]interface{}{
			"tokens":      refilled,
			"last_refill": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		l.logger.Warn("Failed to persist refill on denied checkout",
			zap.String("bucket_key", bucket.BucketKey),
			zap.Error(err),
		)
	}
}

// CleanupStaleRateLimits deletes buckets untouched for longer than the
// retention period and returns how many were removed. Storage hygiene only:
// a missing row behaves as a full bucket on next use.
func (l *RateLimiter) CleanupStaleRateLimits(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Add(-l.retention)
	res := l.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&models.RateLimitBucket{})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		l.logger.Debug("Cleaned up stale rate limit buckets",
			zap.Int64("removed", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}
