// creditctl is the operator CLI for a running creditd instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/saasforge/credit-ledger/internal/client"
	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/usage"
	"github.com/saasforge/credit-ledger/internal/version"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:           "creditctl",
	Short:         "Manage credit accounts on a creditd server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8600", "creditd base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "admin bearer token (defaults to CREDITD_ADMIN_TOKEN)")

	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(versionCmd)

	accountCmd.Flags().String("email", "", "account email")
	accountCmd.Flags().String("name", "", "display name")
	addCmd.Flags().String("type", "purchase", "credit type: purchase, bonus, refund or adjustment")
	addCmd.Flags().String("order", "", "external order id")
	addCmd.Flags().String("desc", "", "transaction description")
	consumeCmd.Flags().String("desc", "", "transaction description")
	historyCmd.Flags().Int("limit", 20, "entries to fetch")
	historyCmd.Flags().String("type", "", "filter by transaction type")
	usageCmd.Flags().String("model", "", "model that produced the usage")
	usageCmd.Flags().String("provider", "", "provider that produced the usage")
	usageCmd.Flags().String("operation", "chat.completion", "metered operation name")
}

func newClient() (*client.CreditsClient, error) {
	token := authToken
	if token == "" {
		token = strings.TrimSpace(os.Getenv("CREDITD_ADMIN_TOKEN"))
	}
	return client.NewCreditsClient(serverURL, token, nil)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

var accountCmd = &cobra.Command{
	Use:   "account USER_ID",
	Short: "Create an account (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		ctx, cancel := cmdContext()
		defer cancel()
		account, err := c.EnsureAccount(ctx, args[0], email, name)
		if err != nil {
			return err
		}
		fmt.Printf("account %s balance=%s\n", account.ID, account.CreditBalance)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show the committed credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		balance, err := c.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(balance)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add USER_ID AMOUNT",
	Short: "Credit an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		typ, _ := cmd.Flags().GetString("type")
		orderID, _ := cmd.Flags().GetString("order")
		desc, _ := cmd.Flags().GetString("desc")

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		entry, err := c.AddCredits(ctx, credits.AddParams{
			UserID:      args[0],
			Amount:      amount,
			Type:        ledger.Type(typ),
			OrderID:     orderID,
			Description: desc,
		})
		if err != nil {
			return err
		}
		fmt.Printf("added %s %s, balance=%s txn=%s\n", entry.Amount, entry.Type, entry.Balance, entry.ID)
		return nil
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume USER_ID AMOUNT",
	Short: "Debit an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		desc, _ := cmd.Flags().GetString("desc")

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		result, err := c.ConsumeCredits(ctx, credits.ConsumeParams{
			UserID:      args[0],
			Amount:      amount,
			Description: desc,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s (balance=%s)", result.Error, result.NewBalance)
		}
		fmt.Printf("consumed %s, balance=%s txn=%s\n", amount, result.NewBalance, result.TransactionID)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check USER_ID AMOUNT",
	Short: "Check whether an account can cover an amount",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		enough, err := c.Check(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if enough {
			fmt.Println("ok")
			return nil
		}
		fmt.Println("insufficient")
		os.Exit(1)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List recent transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typ, _ := cmd.Flags().GetString("type")

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		entries, err := c.Transactions(ctx, args[0], limit, ledger.Type(typ))
		if err != nil {
			return err
		}
		for _, e := range entries {
			desc := e.Description
			if desc == "" && len(e.Metadata) > 0 {
				if raw, err := json.Marshal(e.Metadata); err == nil {
					desc = string(raw)
				}
			}
			fmt.Printf("%s  %-12s %10s  balance=%-10s %s\n",
				e.CreatedAt.Format(time.RFC3339), e.Type, e.Amount, e.Balance, desc)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status USER_ID",
	Short: "Show balance and lifetime totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		status, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("balance:         %s\n", status.Balance)
		fmt.Printf("total purchased: %s\n", status.TotalPurchased)
		fmt.Printf("total consumed:  %s\n", status.TotalConsumed)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage USER_ID TOKENS",
	Short: "Report a metered usage event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tokens int64
		if _, err := fmt.Sscanf(args[1], "%d", &tokens); err != nil || tokens < 0 {
			return fmt.Errorf("invalid token count %q", args[1])
		}
		model, _ := cmd.Flags().GetString("model")
		provider, _ := cmd.Flags().GetString("provider")
		operation, _ := cmd.Flags().GetString("operation")

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		if err := c.ReportUsage(ctx, usage.Event{
			UserID:      args[0],
			Operation:   operation,
			TotalTokens: tokens,
			Model:       model,
			Provider:    provider,
		}); err != nil {
			return err
		}
		fmt.Println("accepted")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.FullInfo())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
