package postgres

import (
	"context"

	controlmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/control"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AutoPayOffRepository struct {
	db *gorm.DB
}

func NewAutoPayOffRepository(db *gorm.DB) *AutoPayOffRepository {
	return &AutoPayOffRepository{db: db}
}

// Insert keeps one entry per deferred attempt.
func (r *AutoPayOffRepository) Insert(ctx context.Context, entry *controlmodel.AutoPayOffEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
}

func (r *AutoPayOffRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*controlmodel.AutoPayOffEntry, error) {
	var out []*controlmodel.AutoPayOffEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *AutoPayOffRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&controlmodel.AutoPayOffEntry{}).Error
}
