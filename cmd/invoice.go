package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/frahmantamala/payment-engine/internal/invoice"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Invoice ledger commands for local runs",
}

var (
	invoiceAccount  string
	invoiceCurrency string
	invoiceItems    map[string]string
	creditAmount    string
)

var createInvoiceCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an invoice with charge items",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(invoiceAccount)
		if err != nil {
			return fmt.Errorf("invalid --account: %w", err)
		}

		items := make([]invoice.ItemInput, 0, len(invoiceItems))
		for description, raw := range invoiceItems {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("invalid amount for item %s: %w", description, err)
			}
			items = append(items, invoice.ItemInput{Description: description, Amount: amount})
		}

		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.Close()

		inv, err := app.Invoices.CreateInvoice(context.Background(), accountID, invoiceCurrency, items)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(inv)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [invoice-id]",
	Short: "Print the amount still owed on an invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		invoiceID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid invoice id: %w", err)
		}

		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.Close()

		balance, err := app.Invoices.GetBalance(context.Background(), invoiceID)
		if err != nil {
			return err
		}
		fmt.Println(balance.StringFixed(2))
		return nil
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Add account credit that is applied to unpaid invoices",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(invoiceAccount)
		if err != nil {
			return fmt.Errorf("invalid --account: %w", err)
		}
		amount, err := decimal.NewFromString(creditAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}

		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		if err := app.Invoices.AddCredit(ctx, accountID, invoiceCurrency, amount); err != nil {
			return err
		}
		return app.Invoices.RebalanceCredit(ctx, accountID)
	},
}

func init() {
	invoiceCmd.PersistentFlags().StringVar(&invoiceAccount, "account", "", "account id")
	invoiceCmd.PersistentFlags().StringVar(&invoiceCurrency, "currency", "USD", "ISO currency code")
	createInvoiceCmd.Flags().StringToStringVar(&invoiceItems, "item", nil, "description=amount, repeatable")
	creditCmd.Flags().StringVar(&creditAmount, "amount", "", "credit amount")

	invoiceCmd.AddCommand(createInvoiceCmd, balanceCmd, creditCmd)
	rootCmd.AddCommand(invoiceCmd)
}
