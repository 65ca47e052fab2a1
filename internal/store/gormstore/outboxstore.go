package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/morphclip/morphclip/internal/outbox"
)

// OutboxStore implements outbox.Store on the webhook_events table.
type OutboxStore struct {
	db *gorm.DB
}

// NewOutboxStore returns an OutboxStore backed by gorm.DB.
func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (store *OutboxStore) Enqueue(ctx context.Context, eventType string, payload []byte, nowUnixUTC int64) (outbox.Job, error) {
	row := WebhookEventRow{
		EventType: eventType,
		Payload:   datatypesJSON(string(payload)),
		Status:    outbox.StatusPending,
		CreatedAt: time.Unix(nowUnixUTC, 0).UTC(),
		UpdatedAt: time.Unix(nowUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return outbox.Job{}, err
	}
	return mapJob(row), nil
}

// ClaimNext locks the oldest PENDING row and flips it to PROCESSING in one
// transaction, so concurrent workers never claim the same job.
func (store *OutboxStore) ClaimNext(ctx context.Context, nowUnixUTC int64) (outbox.Job, bool, error) {
	var row WebhookEventRow
	claimed := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ?", outbox.StatusPending).
			Order("created_at ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result := transaction.
			Model(&WebhookEventRow{}).
			Where("event_id = ? AND status = ?", row.EventID, outbox.StatusPending).
			Updates(map[string]interface{}{
				"status":     outbox.StatusProcessing,
				"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return outbox.Job{}, false, err
	}
	if !claimed {
		return outbox.Job{}, false, nil
	}
	row.Status = outbox.StatusProcessing
	return mapJob(row), true, nil
}

func (store *OutboxStore) MarkProcessed(ctx context.Context, jobID string, nowUnixUTC int64) error {
	return store.db.WithContext(ctx).
		Model(&WebhookEventRow{}).
		Where("event_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     outbox.StatusProcessed,
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		}).Error
}

func (store *OutboxStore) Release(ctx context.Context, jobID string, attempts int, lastError string, nowUnixUTC int64) error {
	status := outbox.StatusPending
	if attempts >= outbox.MaxAttempts {
		status = outbox.StatusFailed
	}
	return store.db.WithContext(ctx).
		Model(&WebhookEventRow{}).
		Where("event_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"last_error": lastError,
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		}).Error
}

func mapJob(row WebhookEventRow) outbox.Job {
	return outbox.Job{
		ID:             row.EventID,
		EventType:      row.EventType,
		Payload:        []byte(row.Payload),
		Status:         row.Status,
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}
