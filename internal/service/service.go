package service

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/ingest"
	"github.com/marminbh/webhook-ingest/internal/rabbitmq"
)

// Service holds all application dependencies
// This eliminates global state and enables proper dependency injection
type Service struct {
	DB      *gorm.DB
	Logger  *zap.Logger
	RMQ     *rabbitmq.Connection
	Gate    *ingest.Gate
	Nonces  *ingest.NonceLedger
	Limiter *ingest.RateLimiter
}

// New creates a new service instance with all dependencies
func New(db *gorm.DB, logger *zap.Logger, rmq *rabbitmq.Connection, gate *ingest.Gate, nonces *ingest.NonceLedger, limiter *ingest.RateLimiter) *Service {
	return &Service{
		DB:      db,
		Logger:  logger,
		RMQ:     rmq,
		Gate:    gate,
		Nonces:  nonces,
		Limiter: limiter,
	}
}
