package postgres

import (
	"context"

	accountmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/account"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) HasTag(ctx context.Context, accountID uuid.UUID, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&accountmodel.Tag{}).
		Where("account_id = ? AND name = ?", accountID, name).
		Count(&count).Error
	return count > 0, err
}

func (r *AccountRepository) AddTag(ctx context.Context, tag *accountmodel.Tag) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(tag).Error
}

func (r *AccountRepository) RemoveTag(ctx context.Context, accountID uuid.UUID, name string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("account_id = ? AND name = ?", accountID, name).
		Delete(&accountmodel.Tag{})
	return res.RowsAffected > 0, res.Error
}
