package notification

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ProcessingState string

const (
	StateAvailable    ProcessingState = "AVAILABLE"
	StateInProcessing ProcessingState = "IN_PROCESSING"
	StateFailed       ProcessingState = "FAILED"
)

type Notification struct {
	ID              uuid.UUID         `gorm:"primaryKey;type:uuid"`
	QueueName       string            `gorm:"column:queue_name;not null;index:idx_notifications_ready,priority:1"`
	Task            string            `gorm:"column:task;not null"`
	Payload         datatypes.JSONMap `gorm:"column:payload"`
	ProcessingState ProcessingState   `gorm:"column:processing_state;not null;index:idx_notifications_ready,priority:2"`
	EffectiveAt     time.Time         `gorm:"column:effective_at;not null;index:idx_notifications_ready,priority:3"`
	ClaimedAt       *time.Time        `gorm:"column:claimed_at"`
	Deliveries      int               `gorm:"column:deliveries;not null;default:0"`
	LastError       *string           `gorm:"column:last_error"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at"`
}

func (Notification) TableName() string {
	return "notifications"
}
