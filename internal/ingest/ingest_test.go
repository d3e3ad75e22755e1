package ingest

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marminbh/webhook-ingest/internal/models"
)

// newTestDB opens an in-memory SQLite database with the ingestion schema.
// A single connection keeps the in-memory database shared across goroutines.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.WebhookEvent{},
		&models.WebhookNonce{},
		&models.RateLimitBucket{},
	))

	return db
}

func newTestGate(t *testing.T) (*Gate, *NonceLedger, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	ledger := NewNonceLedger(db, 15*time.Minute, zap.NewNop())
	return NewGate(db, ledger, zap.NewNop()), ledger, db
}
