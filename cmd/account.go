package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account flag commands",
}

var autoPayOffCmd = &cobra.Command{
	Use:       "auto-pay-off [set|clear] [account-id]",
	Short:     "Set or clear the auto-pay-off flag of an account",
	Long:      `Clearing the flag re-drives every purchase deferred while it was set.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"set", "clear"},
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid account id: %w", err)
		}

		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		switch args[0] {
		case "set":
			if err := app.Accounts.SetAutoPayOff(ctx, accountID); err != nil {
				return err
			}
			app.Logger.Info("auto-pay-off set", "account_id", accountID)
		case "clear":
			released, err := app.Accounts.ClearAutoPayOff(ctx, accountID)
			if err != nil {
				return err
			}
			app.Logger.Info("auto-pay-off cleared", "account_id", accountID, "released_purchases", released)
		default:
			return fmt.Errorf("unknown action %q", args[0])
		}
		return nil
	},
}

func init() {
	accountCmd.AddCommand(autoPayOffCmd)
	rootCmd.AddCommand(accountCmd)
}
