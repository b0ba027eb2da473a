package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/pkg/client"
)

func createAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Ledger account commands",
	}

	cmd.AddCommand(createBalanceCmd())
	cmd.AddCommand(createCollateralCmd())
	cmd.AddCommand(createSupplyCmd())
	cmd.AddCommand(createMintCmd())
	cmd.AddCommand(createRedeemCmd())
	cmd.AddCommand(createTransferCmd())
	cmd.AddCommand(createApproveCmd())
	cmd.AddCommand(createAllowanceCmd())

	return cmd
}

// resolveAddress picks the address from the flag or the project config
func resolveAddress(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if addr := defaultAddress(); addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("no address given (use --address or set one in veriflow.toml)")
}

func createBalanceCmd() *cobra.Command {
	var address string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show token balance",
		Long: `Show the token balance of an account.

EXAMPLES:
  veriflow account balance --address 0xabc...def
  veriflow account balance          # uses address from veriflow.toml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(address)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			b, err := c.Balance(context.Background(), addr)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Address: %s\n", b.Address)
			fmt.Printf("Balance: %d\n", b.Balance)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "account address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createCollateralCmd() *cobra.Command {
	var address string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "collateral",
		Short: "Show collateral position",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(address)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			info, err := c.CollateralInfo(context.Background(), addr)
			if err != nil {
				return fmt.Errorf("failed to get collateral: %w", err)
			}

			if jsonOutput {
				return printJSON(info)
			}
			fmt.Printf("Address:   %s\n", addr)
			fmt.Printf("Deposited: %d\n", info.Deposited)
			fmt.Printf("Ratio:     %d%%\n", info.Ratio)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "account address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createSupplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supply",
		Short: "Show total token supply",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			total, err := c.TotalSupply(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get supply: %w", err)
			}
			fmt.Printf("Total supply: %d\n", total)
			return nil
		},
	}
}

func createMintCmd() *cobra.Command {
	var collateral int64

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint tokens against collateral",
		Long: `Lock collateral and mint tokens at the configured mint rate.

The minted tokens are credited to the address bound to your API key.

EXAMPLES:
  veriflow account mint --collateral 10
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			result, err := c.Mint(context.Background(), collateral)
			if err != nil {
				return fmt.Errorf("failed to mint: %w", err)
			}
			fmt.Printf("✅ Minted %d tokens against %d collateral\n", result.Minted, result.Collateral)
			return nil
		},
	}

	cmd.Flags().Int64Var(&collateral, "collateral", 0, "collateral amount to lock (required)")
	_ = cmd.MarkFlagRequired("collateral")

	return cmd
}

func createRedeemCmd() *cobra.Command {
	var amount int64

	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Redeem tokens for collateral",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			result, err := c.Redeem(context.Background(), amount)
			if err != nil {
				return fmt.Errorf("failed to redeem: %w", err)
			}
			fmt.Printf("✅ Burned %d tokens, released %d collateral\n", result.Burned, result.Collateral)
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "token amount to redeem (required)")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createTransferCmd() *cobra.Command {
	var to string
	var amount int64

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.Transfer(context.Background(), to, amount); err != nil {
				return fmt.Errorf("failed to transfer: %w", err)
			}
			fmt.Printf("✅ Transferred %d tokens to %s\n", amount, to)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient address (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "token amount (required)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createApproveCmd() *cobra.Command {
	var spender string
	var amount int64

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a spender",
		Long: `Set a spender's allowance over your balance.

Marketplace purchases, stakes, payments and oracle fees are collected
through allowances, so approve the relevant module account first.

EXAMPLES:
  veriflow account approve --spender 0x...0101 --amount 5000
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.Approve(context.Background(), spender, amount); err != nil {
				return fmt.Errorf("failed to approve: %w", err)
			}
			fmt.Printf("✅ Approved %s for %d tokens\n", spender, amount)
			return nil
		},
	}

	cmd.Flags().StringVar(&spender, "spender", "", "spender address (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "allowance amount")
	_ = cmd.MarkFlagRequired("spender")

	return cmd
}

func createAllowanceCmd() *cobra.Command {
	var owner string
	var spender string

	cmd := &cobra.Command{
		Use:   "allowance",
		Short: "Show a spender's allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(owner)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			amount, err := c.Allowance(context.Background(), addr, spender)
			if err != nil {
				return fmt.Errorf("failed to get allowance: %w", err)
			}
			fmt.Printf("Allowance of %s over %s: %d\n", spender, addr, amount)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "address", "", "owner address (default from config)")
	cmd.Flags().StringVar(&spender, "spender", "", "spender address (required)")
	_ = cmd.MarkFlagRequired("spender")

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
