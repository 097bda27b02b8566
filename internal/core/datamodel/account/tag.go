package account

import (
	"time"

	"github.com/google/uuid"
)

const TagAutoPayOff = "AUTO_PAY_OFF"

type Tag struct {
	AccountID uuid.UUID `gorm:"primaryKey;type:uuid"`
	Name      string    `gorm:"primaryKey;column:name"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Tag) TableName() string {
	return "account_tags"
}
