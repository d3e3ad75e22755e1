package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marminbh/webhook-ingest/internal/models"
)

func newProcessRequest(source, providerEventID string) ProcessRequest {
	return ProcessRequest{
		Source:          source,
		ProviderEventID: providerEventID,
		RequestID:       uuid.New(),
		EventType:       "contact.created",
		PayloadHash:     "deadbeef",
		SignatureValid:  true,
	}
}

func TestProcessWebhookRecordsNewEvent(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()

	result, err := gate.ProcessWebhookAtomically(ctx, newProcessRequest("stripe", "evt_1"))
	require.NoError(t, err)

	assert.False(t, result.IsDuplicate)
	assert.False(t, result.Replay)
	assert.Equal(t, MessageRecorded, result.Message)
	assert.NotEqual(t, uuid.Nil, result.EventID)

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, "id = ?", result.EventID).Error)
	assert.Equal(t, "stripe", event.Source)
	assert.Equal(t, "evt_1", event.ProviderEventID)
	assert.Equal(t, models.StatusProcessing, event.Status)
	assert.True(t, event.SignatureValid)
}

func TestProcessWebhookRetryIdempotence(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()
	req := newProcessRequest("kajabi", "evt_retry")

	newCount := 0
	dupCount := 0
	var firstID uuid.UUID

	for i := 0; i < 5; i++ {
		result, err := gate.ProcessWebhookAtomically(ctx, req)
		require.NoError(t, err)
		if result.IsDuplicate {
			dupCount++
			assert.Equal(t, MessageDuplicate, result.Message)
			assert.Equal(t, firstID, result.EventID)
		} else {
			newCount++
			firstID = result.EventID
		}
	}

	assert.Equal(t, 1, newCount)
	assert.Equal(t, 4, dupCount)

	var count int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).
		Where("source = ? AND provider_event_id = ?", "kajabi", "evt_retry").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessWebhookRequestIDCollision(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	first := newProcessRequest("eventbrite", "evt_a")
	result, err := gate.ProcessWebhookAtomically(ctx, first)
	require.NoError(t, err)
	require.False(t, result.IsDuplicate)

	// Different logical event but the very same physical delivery id.
	second := newProcessRequest("eventbrite", "evt_b")
	second.RequestID = first.RequestID
	result, err = gate.ProcessWebhookAtomically(ctx, second)
	require.NoError(t, err)

	assert.True(t, result.IsDuplicate)
	assert.Equal(t, MessageDuplicate, result.Message)
}

func TestProcessWebhookSameEventAcrossSources(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	result, err := gate.ProcessWebhookAtomically(ctx, newProcessRequest("stripe", "evt_shared"))
	require.NoError(t, err)
	assert.False(t, result.IsDuplicate)

	// Uniqueness is per source; another provider may reuse the same id.
	result, err = gate.ProcessWebhookAtomically(ctx, newProcessRequest("kajabi", "evt_shared"))
	require.NoError(t, err)
	assert.False(t, result.IsDuplicate)
}

func TestProcessWebhookReplayDetection(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()

	first := newProcessRequest("kajabi", "evt_n1")
	first.Nonce = "nonce-123"
	result, err := gate.ProcessWebhookAtomically(ctx, first)
	require.NoError(t, err)
	require.False(t, result.IsDuplicate)
	firstID := result.EventID

	// A different event carrying the same nonce is a replay, not an
	// ordinary duplicate.
	second := newProcessRequest("kajabi", "evt_n2")
	second.Nonce = "nonce-123"
	result, err = gate.ProcessWebhookAtomically(ctx, second)
	require.NoError(t, err)

	assert.True(t, result.IsDuplicate)
	assert.True(t, result.Replay)
	assert.Equal(t, MessageReplay, result.Message)

	var replayed models.WebhookEvent
	require.NoError(t, db.First(&replayed, "id = ?", result.EventID).Error)
	assert.Equal(t, models.StatusDuplicate, replayed.Status)
	require.NotNil(t, replayed.ErrorMessage)
	assert.Equal(t, MessageReplay, *replayed.ErrorMessage)

	// The first delivery is untouched.
	var original models.WebhookEvent
	require.NoError(t, db.First(&original, "id = ?", firstID).Error)
	assert.Equal(t, models.StatusProcessing, original.Status)
}

func TestProcessWebhookNonceScopedPerSource(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	first := newProcessRequest("stripe", "evt_x")
	first.Nonce = "shared-nonce"
	result, err := gate.ProcessWebhookAtomically(ctx, first)
	require.NoError(t, err)
	assert.False(t, result.IsDuplicate)

	second := newProcessRequest("kajabi", "evt_y")
	second.Nonce = "shared-nonce"
	result, err = gate.ProcessWebhookAtomically(ctx, second)
	require.NoError(t, err)
	assert.False(t, result.IsDuplicate)
}

func TestProcessWebhookReplayUndetectableAfterSweep(t *testing.T) {
	gate, ledger, db := newTestGate(t)
	ctx := context.Background()

	first := newProcessRequest("kajabi", "evt_old")
	first.Nonce = "expiring-nonce"
	result, err := gate.ProcessWebhookAtomically(ctx, first)
	require.NoError(t, err)
	require.False(t, result.IsDuplicate)

	// Age the nonce past the retention window and sweep.
	aged := time.Now().UTC().Add(-16 * time.Minute)
	require.NoError(t, db.Model(&models.WebhookNonce{}).
		Where("source = ? AND nonce = ?", "kajabi", "expiring-nonce").
		Update("used_at", aged).Error)

	removed, err := ledger.CleanupOldNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// Reuse after the sweep is no longer flagged; the replay window has
	// passed and this is accepted behavior.
	second := newProcessRequest("kajabi", "evt_new")
	second.Nonce = "expiring-nonce"
	result, err = gate.ProcessWebhookAtomically(ctx, second)
	require.NoError(t, err)
	assert.False(t, result.IsDuplicate)
	assert.False(t, result.Replay)
}

func TestProcessWebhookConcurrentIdenticalDeliveries(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()

	const workers = 8
	req := newProcessRequest("kajabi", "evt_123")

	var wg sync.WaitGroup
	results := make([]ProcessResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gate.ProcessWebhookAtomically(ctx, req)
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !results[i].IsDuplicate {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one delivery must win the insert")

	var events []models.WebhookEvent
	require.NoError(t, db.Where("source = ? AND provider_event_id = ?", "kajabi", "evt_123").Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusProcessing, events[0].Status)
}

func TestProcessWebhookValidation(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.ProcessWebhookAtomically(ctx, ProcessRequest{ProviderEventID: "evt", RequestID: uuid.New()})
	assert.Error(t, err)

	_, err = gate.ProcessWebhookAtomically(ctx, ProcessRequest{Source: "stripe", RequestID: uuid.New()})
	assert.Error(t, err)

	_, err = gate.ProcessWebhookAtomically(ctx, ProcessRequest{Source: "stripe", ProviderEventID: "evt"})
	assert.Error(t, err)
}

func TestTerminalTransitions(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()

	result, err := gate.ProcessWebhookAtomically(ctx, newProcessRequest("stripe", "evt_done"))
	require.NoError(t, err)

	require.NoError(t, gate.MarkCompleted(ctx, result.EventID))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, "id = ?", result.EventID).Error)
	assert.Equal(t, models.StatusCompleted, event.Status)

	// Terminal states are final.
	err = gate.MarkFailed(ctx, result.EventID, "boom")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, db.First(&event, "id = ?", result.EventID).Error)
	assert.Equal(t, models.StatusCompleted, event.Status)
	assert.Nil(t, event.ErrorMessage)
}

func TestMarkFailedRecordsError(t *testing.T) {
	gate, _, db := newTestGate(t)
	ctx := context.Background()

	result, err := gate.ProcessWebhookAtomically(ctx, newProcessRequest("stripe", "evt_fail"))
	require.NoError(t, err)

	require.NoError(t, gate.MarkFailed(ctx, result.EventID, "handler exploded"))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, "id = ?", result.EventID).Error)
	assert.Equal(t, models.StatusFailed, event.Status)
	require.NotNil(t, event.ErrorMessage)
	assert.Equal(t, "handler exploded", *event.ErrorMessage)

	err = gate.MarkCompleted(ctx, result.EventID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkCompletedUnknownEvent(t *testing.T) {
	gate, _, _ := newTestGate(t)

	err := gate.MarkCompleted(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
