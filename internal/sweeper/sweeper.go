package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/webhook-ingest/internal/config"
	"github.com/marminbh/webhook-ingest/internal/ingest"
)

// Sweeper runs the periodic maintenance of the ingestion core: expiring
// nonces past the replay window, deleting idle rate-limit buckets, and
// reporting events stuck in processing status. None of these affect
// correctness of the hot path; cleanup is storage hygiene and the stuck
// check is reporting only.
type Sweeper struct {
	db      *gorm.DB
	nonces  *ingest.NonceLedger
	limiter *ingest.RateLimiter
	cfg     *config.IngestConfig
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a sweeper with dependencies.
func New(db *gorm.DB, nonces *ingest.NonceLedger, limiter *ingest.RateLimiter, cfg *config.IngestConfig, logger *zap.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		db:      db,
		nonces:  nonces,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval,
// not immediately, so startup is not delayed by maintenance.
func (s *Sweeper) Start() {
	if s.started {
		return
	}
	s.started = true

	s.logger.Info("Sweeper started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("nonce_retention", s.cfg.NonceRetention),
		zap.Duration("bucket_retention", s.cfg.BucketRetention),
	)

	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep runs one maintenance pass. Exported so an external scheduler can
// drive it instead of the internal ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	if removed, err := s.nonces.CleanupOldNonces(ctx); err != nil {
		s.logger.Error("Failed to clean up old nonces", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("Swept expired nonces", zap.Int64("removed", removed))
	}

	if removed, err := s.limiter.CleanupStaleRateLimits(ctx); err != nil {
		s.logger.Error("Failed to clean up stale rate limit buckets", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("Swept stale rate limit buckets", zap.Int64("removed", removed))
	}

	stuck, err := ingest.CountStuckProcessing(s.db.WithContext(ctx), s.cfg.StuckProcessingAfter)
	if err != nil {
		s.logger.Error("Failed to count stuck processing events", zap.Error(err))
		return
	}
	if stuck > 0 {
		// There is no automatic requeue for these; an operator has to
		// reconcile them against the downstream processor.
		s.logger.Warn("Events stuck in processing status",
			zap.Int64("stuck_processing_events", stuck),
			zap.Duration("older_than", s.cfg.StuckProcessingAfter),
		)
	}
}

// Stop shuts the sweep loop down and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Sweeper stopped")
}
