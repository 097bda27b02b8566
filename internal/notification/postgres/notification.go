package postgres

import (
	"context"
	"time"

	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Insert(ctx context.Context, n *notificationmodel.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// ClaimReady locks ready rows with SKIP LOCKED where supported and flips them to
// IN_PROCESSING. The state check in the UPDATE keeps claims exclusive on SQLite too.
func (r *NotificationRepository) ClaimReady(ctx context.Context, queueName string, now time.Time, limit int) ([]*notificationmodel.Notification, error) {
	var claimed []*notificationmodel.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*notificationmodel.Notification
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue_name = ? AND processing_state = ? AND effective_at <= ?",
				queueName, notificationmodel.StateAvailable, now).
			Order("effective_at ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, n := range candidates {
			res := tx.Model(&notificationmodel.Notification{}).
				Where("id = ? AND processing_state = ?", n.ID, notificationmodel.StateAvailable).
				Updates(map[string]interface{}{
					"processing_state": notificationmodel.StateInProcessing,
					"claimed_at":       now,
					"deliveries":       gorm.Expr("deliveries + 1"),
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			n.ProcessingState = notificationmodel.StateInProcessing
			n.ClaimedAt = &now
			n.Deliveries++
			claimed = append(claimed, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *NotificationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&notificationmodel.Notification{}).Error
}

func (r *NotificationRepository) Reschedule(ctx context.Context, id uuid.UUID, effectiveAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&notificationmodel.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processing_state": notificationmodel.StateAvailable,
			"effective_at":     effectiveAt,
			"claimed_at":       nil,
			"last_error":       lastError,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&notificationmodel.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processing_state": notificationmodel.StateFailed,
			"last_error":       lastError,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (r *NotificationRepository) ReclaimStale(ctx context.Context, queueName string, claimedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&notificationmodel.Notification{}).
		Where("queue_name = ? AND processing_state = ? AND claimed_at < ?",
			queueName, notificationmodel.StateInProcessing, claimedBefore).
		Updates(map[string]interface{}{
			"processing_state": notificationmodel.StateAvailable,
			"claimed_at":       nil,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *NotificationRepository) ListByState(ctx context.Context, queueName string, state notificationmodel.ProcessingState) ([]*notificationmodel.Notification, error) {
	var out []*notificationmodel.Notification
	err := r.db.WithContext(ctx).
		Where("queue_name = ? AND processing_state = ?", queueName, state).
		Order("effective_at ASC").
		Find(&out).Error
	return out, err
}
