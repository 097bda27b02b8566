package datamodel

import (
	"github.com/frahmantamala/payment-engine/internal/core/datamodel/account"
	"github.com/frahmantamala/payment-engine/internal/core/datamodel/control"
	"github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	"github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	"github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
)

// Models lists every gorm entity, for AutoMigrate on sqlite databases.
func Models() []interface{} {
	return []interface{}{
		&payment.Payment{},
		&payment.PaymentTransaction{},
		&control.AutoPayOffEntry{},
		&notification.Notification{},
		&invoice.Invoice{},
		&invoice.InvoiceItem{},
		&invoice.InvoicePayment{},
		&invoice.AccountCredit{},
		&account.Tag{},
	}
}
