package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/control"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var payFlags struct {
	accountID      string
	paymentKey     string
	transactionKey string
	operation      string
	amount         string
	currency       string
	invoiceID      string
	refundItems    map[string]string
	withAdjustment bool
	internal       bool
}

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Run one payment operation through the engine",
	Long: `Submit a PURCHASE, REFUND or CHARGEBACK for an account. The call is API-initiated
unless --internal is set, which lets the invoice control clamp the amount and defer it
for auto-pay-off accounts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := payRequest()
		if err != nil {
			return err
		}

		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.Close()

		view, err := app.Engine.ExecuteOperation(errs.WithInitiator(context.Background(), errs.InitiatorCLI), req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func payRequest() (payment.OperationRequest, error) {
	accountID, err := uuid.Parse(payFlags.accountID)
	if err != nil {
		return payment.OperationRequest{}, fmt.Errorf("invalid --account: %w", err)
	}

	req := payment.OperationRequest{
		AccountID:              accountID,
		PaymentExternalKey:     payFlags.paymentKey,
		TransactionExternalKey: payFlags.transactionKey,
		TransactionType:        paymentmodel.TransactionType(payFlags.operation),
		Currency:               payFlags.currency,
		APIInitiated:           !payFlags.internal,
		Properties:             map[string]interface{}{},
	}
	if req.TransactionExternalKey == "" {
		req.TransactionExternalKey = uuid.NewString()
	}

	if payFlags.amount != "" {
		amount, err := decimal.NewFromString(payFlags.amount)
		if err != nil {
			return req, fmt.Errorf("invalid --amount: %w", err)
		}
		req.Amount = &amount
	}
	if payFlags.invoiceID != "" {
		req.Properties[control.PropInvoiceID] = payFlags.invoiceID
	}
	if len(payFlags.refundItems) > 0 {
		items := make(map[string]interface{}, len(payFlags.refundItems))
		for id, amount := range payFlags.refundItems {
			if amount == "" || amount == "full" {
				items[id] = nil
				continue
			}
			items[id] = amount
		}
		req.Properties[control.PropRefundIDsAmounts] = items
	}
	if payFlags.withAdjustment {
		req.Properties[control.PropRefundWithAdjustments] = true
	}
	return req, nil
}

func init() {
	f := payCmd.Flags()
	f.StringVar(&payFlags.accountID, "account", "", "account id")
	f.StringVar(&payFlags.paymentKey, "payment-key", "", "payment external key")
	f.StringVar(&payFlags.transactionKey, "transaction-key", "", "transaction external key (generated when empty)")
	f.StringVar(&payFlags.operation, "operation", string(paymentmodel.TransactionTypePurchase), "PURCHASE, REFUND or CHARGEBACK")
	f.StringVar(&payFlags.amount, "amount", "", "amount; a purchase without one pays the invoice balance")
	f.StringVar(&payFlags.currency, "currency", "USD", "ISO currency code")
	f.StringVar(&payFlags.invoiceID, "invoice", "", "invoice id the purchase pays")
	f.StringToStringVar(&payFlags.refundItems, "refund-item", nil, "invoice item id=amount to refund (amount \"full\" for the whole item)")
	f.BoolVar(&payFlags.withAdjustment, "with-adjustment", false, "adjust the invoice instead of reopening its balance")
	f.BoolVar(&payFlags.internal, "internal", false, "treat the call as internally initiated")
	_ = payCmd.MarkFlagRequired("account")
	_ = payCmd.MarkFlagRequired("payment-key")

	rootCmd.AddCommand(payCmd)
}
