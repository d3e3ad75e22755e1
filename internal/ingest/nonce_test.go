package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marminbh/webhook-ingest/internal/database"
	"github.com/marminbh/webhook-ingest/internal/models"
)

func TestNonceRecordAndCheck(t *testing.T) {
	db := newTestDB(t)
	ledger := NewNonceLedger(db, 15*time.Minute, zap.NewNop())
	ctx := context.Background()

	used, err := ledger.IsNonceUsed(ctx, "stripe", "n1")
	require.NoError(t, err)
	assert.False(t, used)

	require.NoError(t, ledger.RecordNonce(ctx, "stripe", "n1"))

	used, err = ledger.IsNonceUsed(ctx, "stripe", "n1")
	require.NoError(t, err)
	assert.True(t, used)

	// Same nonce under another source is independent.
	used, err = ledger.IsNonceUsed(ctx, "kajabi", "n1")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestNonceDoubleRecordIsDuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ledger := NewNonceLedger(db, 15*time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, ledger.RecordNonce(ctx, "stripe", "n2"))

	// The second record must fail at the unique constraint, which is the
	// signal the gate turns into a replay verdict.
	err := ledger.RecordNonce(ctx, "stripe", "n2")
	require.Error(t, err)
	assert.True(t, database.IsDuplicateKeyErr(err))
}

func TestCleanupOldNoncesRespectsWindow(t *testing.T) {
	db := newTestDB(t)
	ledger := NewNonceLedger(db, 15*time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, ledger.RecordNonce(ctx, "stripe", "fresh"))
	require.NoError(t, ledger.RecordNonce(ctx, "stripe", "stale"))

	require.NoError(t, db.Model(&models.WebhookNonce{}).
		Where("nonce = ?", "stale").
		Update("used_at", time.Now().UTC().Add(-20*time.Minute)).Error)

	removed, err := ledger.CleanupOldNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	used, err := ledger.IsNonceUsed(ctx, "stripe", "fresh")
	require.NoError(t, err)
	assert.True(t, used)

	used, err = ledger.IsNonceUsed(ctx, "stripe", "stale")
	require.NoError(t, err)
	assert.False(t, used)

	// The swept nonce can be recorded again as if new.
	require.NoError(t, ledger.RecordNonce(ctx, "stripe", "stale"))
}
