package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/frahmantamala/payment-engine/internal/core/common/database"
	invoicemodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	"github.com/frahmantamala/payment-engine/internal/invoice"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Transaction(ctx context.Context, fn func(repo invoice.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&InvoiceRepository{db: tx})
	})
}

func (r *InvoiceRepository) CreateInvoice(ctx context.Context, inv *invoicemodel.Invoice, items []*invoicemodel.InvoiceItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return translate(err)
		}
		if len(items) == 0 {
			return nil
		}
		return translate(tx.Create(&items).Error)
	})
}

func (r *InvoiceRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*invoicemodel.Invoice, error) {
	var inv invoicemodel.Invoice
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&inv).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

func (r *InvoiceRepository) ListInvoicesByAccount(ctx context.Context, accountID uuid.UUID) ([]*invoicemodel.Invoice, error) {
	var out []*invoicemodel.Invoice
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

func (r *InvoiceRepository) ListItems(ctx context.Context, invoiceID uuid.UUID) ([]*invoicemodel.InvoiceItem, error) {
	var out []*invoicemodel.InvoiceItem
	err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

func (r *InvoiceRepository) CreateItems(ctx context.Context, items []*invoicemodel.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}
	return translate(r.db.WithContext(ctx).Create(&items).Error)
}

func (r *InvoiceRepository) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*invoicemodel.InvoicePayment, error) {
	var out []*invoicemodel.InvoicePayment
	err := r.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

func (r *InvoiceRepository) FindPayment(ctx context.Context, paymentID uuid.UUID, paymentType, linkKey string) (*invoicemodel.InvoicePayment, error) {
	var p invoicemodel.InvoicePayment
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND payment_type = ? AND link_key = ?", paymentID, paymentType, linkKey).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *InvoiceRepository) CreatePayment(ctx context.Context, p *invoicemodel.InvoicePayment) error {
	return translate(r.db.WithContext(ctx).Create(p).Error)
}

func (r *InvoiceRepository) UpdatePayment(ctx context.Context, p *invoicemodel.InvoicePayment) error {
	res := r.db.WithContext(ctx).
		Model(&invoicemodel.InvoicePayment{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"amount":     p.Amount,
			"currency":   p.Currency,
			"success":    p.Success,
			"updated_at": p.UpdatedAt,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return invoice.ErrNotFound
	}
	return nil
}

func (r *InvoiceRepository) GetCredit(ctx context.Context, accountID uuid.UUID) (*invoicemodel.AccountCredit, error) {
	var c invoicemodel.AccountCredit
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *InvoiceRepository) SaveCredit(ctx context.Context, credit *invoicemodel.AccountCredit) error {
	return translate(r.db.WithContext(ctx).Save(credit).Error)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return invoice.ErrNotFound
	}
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", invoice.ErrDuplicateKey, err)
	}
	return err
}
