package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/payment-engine/internal/core/common/database"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) Transaction(ctx context.Context, fn func(repo paymentpkg.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PaymentRepository{db: tx})
	})
}

func (r *PaymentRepository) CreatePayment(ctx context.Context, p *paymentmodel.Payment) error {
	return translate(r.db.WithContext(ctx).Create(p).Error)
}

func (r *PaymentRepository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetPaymentByExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND external_key = ?", accountID, externalKey).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *PaymentRepository) UpdatePaymentState(ctx context.Context, id uuid.UUID, stateName string, lastSuccessStateName *string) error {
	updates := map[string]interface{}{
		"state_name": stateName,
		"updated_at": time.Now().UTC(),
	}
	if lastSuccessStateName != nil {
		updates["last_success_state_name"] = *lastSuccessStateName
	}

	res := r.db.WithContext(ctx).Model(&paymentmodel.Payment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return paymentpkg.ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) CreateTransaction(ctx context.Context, tx *paymentmodel.PaymentTransaction) error {
	return translate(r.db.WithContext(ctx).Create(tx).Error)
}

func (r *PaymentRepository) GetTransactionByID(ctx context.Context, id uuid.UUID) (*paymentmodel.PaymentTransaction, error) {
	var tx paymentmodel.PaymentTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *PaymentRepository) GetTransactionByExternalKey(ctx context.Context, paymentID uuid.UUID, externalKey string) (*paymentmodel.PaymentTransaction, error) {
	var tx paymentmodel.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND external_key = ?", paymentID, externalKey).
		First(&tx).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *PaymentRepository) FindTransactionsByAccountAndExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) ([]*paymentmodel.PaymentTransaction, error) {
	var txs []*paymentmodel.PaymentTransaction
	err := r.db.WithContext(ctx).
		Select("payment_transactions.*").
		Joins("JOIN payments ON payments.id = payment_transactions.payment_id").
		Where("payments.account_id = ? AND payment_transactions.external_key = ?", accountID, externalKey).
		Order("payment_transactions.created_at ASC").
		Find(&txs).Error
	return txs, translate(err)
}

func (r *PaymentRepository) ListTransactionsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*paymentmodel.PaymentTransaction, error) {
	var txs []*paymentmodel.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, attempt_number ASC").
		Find(&txs).Error
	return txs, translate(err)
}

func (r *PaymentRepository) UpdateTransactionResult(ctx context.Context, tx *paymentmodel.PaymentTransaction) error {
	updates := map[string]interface{}{
		"status":             tx.Status,
		"processed_amount":   tx.ProcessedAmount,
		"processed_currency": tx.ProcessedCurrency,
		"gateway_error_code": tx.GatewayErrorCode,
		"gateway_error_msg":  tx.GatewayErrorMsg,
		"updated_at":         tx.UpdatedAt,
	}

	res := r.db.WithContext(ctx).Model(&paymentmodel.PaymentTransaction{}).Where("id = ?", tx.ID).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return paymentpkg.ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) MarkControlCompleted(ctx context.Context, id uuid.UUID) error {
	return translate(r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"control_state": paymentmodel.ControlStateCompleted,
			"updated_at":    time.Now().UTC(),
		}).Error)
}

func (r *PaymentRepository) IncrementJanitorSweeps(ctx context.Context, id uuid.UUID) (int, error) {
	var sweeps int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&paymentmodel.PaymentTransaction{}).
			Where("id = ?", id).
			UpdateColumn("janitor_sweeps", gorm.Expr("janitor_sweeps + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&paymentmodel.PaymentTransaction{}).
			Where("id = ?", id).
			Pluck("janitor_sweeps", &sweeps).Error
	})
	return sweeps, translate(err)
}

func (r *PaymentRepository) FindStuckTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*paymentmodel.PaymentTransaction, error) {
	var txs []*paymentmodel.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]paymentmodel.TransactionStatus{paymentmodel.StatusUnknown, paymentmodel.StatusPending},
			createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, translate(err)
}

func (r *PaymentRepository) FindIncompleteTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]*paymentmodel.PaymentTransaction, error) {
	var txs []*paymentmodel.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND control_state = ? AND updated_at < ?",
			[]paymentmodel.TransactionStatus{paymentmodel.StatusSuccess, paymentmodel.StatusPaymentFailure, paymentmodel.StatusPluginFailure},
			paymentmodel.ControlStatePending,
			updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paymentpkg.ErrNotFound
	}
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", paymentpkg.ErrDuplicateKey, err)
	}
	return err
}
