package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/pkg/client"
)

func createPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Payment and escrow commands",
	}

	cmd.AddCommand(createPaySendCmd())
	cmd.AddCommand(createEscrowCmd())
	cmd.AddCommand(createPayHistoryCmd())

	return cmd
}

func createPaySendCmd() *cobra.Command {
	var seller string
	var amount int64
	var datasetID int64

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct payment",
		Long: `Settle a direct payment to a seller, net of the platform fee.

The amount is collected through your allowance, so approve the payments
module account first.

EXAMPLES:
  veriflow pay send --seller 0xabc...def --amount 500
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			p, err := c.Pay(context.Background(), client.PaymentRequest{
				Seller:    seller,
				Amount:    amount,
				DatasetID: datasetID,
			})
			if err != nil {
				return fmt.Errorf("failed to send payment: %w", err)
			}
			fmt.Printf("✅ Payment %d settled: %d tokens to %s\n", p.ID, p.Amount, p.Seller)
			return nil
		},
	}

	cmd.Flags().StringVar(&seller, "seller", "", "seller address (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "payment amount (required)")
	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "related dataset id")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Escrow commands",
	}

	cmd.AddCommand(createEscrowCreateCmd())
	cmd.AddCommand(createEscrowReleaseCmd())
	cmd.AddCommand(createEscrowShowCmd())

	return cmd
}

func createEscrowCreateCmd() *cobra.Command {
	var seller string
	var amount int64
	var datasetID int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Place funds in escrow",
		Long: `Place funds in custody pending release.

Only you (the buyer) can release the escrow to the seller. Refunds are
admin operations.

EXAMPLES:
  veriflow pay escrow create --seller 0xabc...def --amount 500
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			e, err := c.CreateEscrow(context.Background(), client.PaymentRequest{
				Seller:    seller,
				Amount:    amount,
				DatasetID: datasetID,
			})
			if err != nil {
				return fmt.Errorf("failed to create escrow: %w", err)
			}
			fmt.Printf("✅ Escrow %d created: %d tokens held for %s\n", e.ID, e.Amount, e.Seller)
			fmt.Printf("   Release with: veriflow pay escrow release --id %d\n", e.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&seller, "seller", "", "seller address (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "escrow amount (required)")
	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "related dataset id")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createEscrowReleaseCmd() *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release an escrow to the seller",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.ReleaseEscrow(context.Background(), id); err != nil {
				return fmt.Errorf("failed to release escrow: %w", err)
			}
			fmt.Printf("✅ Escrow %d released\n", id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "escrow id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func createEscrowShowCmd() *cobra.Command {
	var id int64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show escrow details",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			e, err := c.GetEscrow(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get escrow: %w", err)
			}

			if jsonOutput {
				return printJSON(e)
			}
			status := "held"
			if e.Completed {
				status = "completed"
			}
			fmt.Printf("Escrow:  %d (%s)\n", e.ID, status)
			fmt.Printf("Buyer:   %s\n", e.Buyer)
			fmt.Printf("Seller:  %s\n", e.Seller)
			fmt.Printf("Amount:  %d\n", e.Amount)
			if e.DatasetID != 0 {
				fmt.Printf("Dataset: %d\n", e.DatasetID)
			}
			fmt.Printf("Created: %s\n", e.CreatedAt)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "escrow id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func createPayHistoryCmd() *cobra.Command {
	var address string
	var asSeller bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List payments for an address",
		Long: `List payments made (default) or received (--as-seller) by an address.

EXAMPLES:
  veriflow pay history --address 0xabc...def
  veriflow pay history --address 0xabc...def --as-seller
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(address)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			var payments []client.Payment
			if asSeller {
				payments, err = c.SellerPayments(context.Background(), addr)
			} else {
				payments, err = c.BuyerPayments(context.Background(), addr)
			}
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if jsonOutput {
				return printJSON(payments)
			}

			if len(payments) == 0 {
				fmt.Println("No payments found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBUYER\tSELLER\tAMOUNT\tDATASET\tSTATUS\tCREATED")
			for _, p := range payments {
				status := "completed"
				if p.Refunded {
					status = "refunded"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
					p.ID, shortAddr(p.Buyer), shortAddr(p.Seller), p.Amount, p.DatasetID, status, p.CreatedAt)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "account address")
	cmd.Flags().BoolVar(&asSeller, "as-seller", false, "list payments received instead of made")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
