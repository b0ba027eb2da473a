package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/pkg/client"
)

func createMarketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Dataset marketplace commands",
	}

	cmd.AddCommand(createStakeCmd())
	cmd.AddCommand(createUnstakeCmd())
	cmd.AddCommand(createProviderCmd())
	cmd.AddCommand(createDatasetsCmd())
	cmd.AddCommand(createPublishCmd())
	cmd.AddCommand(createPriceCmd())
	cmd.AddCommand(createDelistCmd())
	cmd.AddCommand(createPurchaseCmd())

	return cmd
}

func createStakeCmd() *cobra.Command {
	var amount int64

	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Stake tokens to become a provider",
		Long: `Lock tokens as provider stake.

Your cumulative stake must reach the marketplace minimum before you can
publish datasets. Approve the marketplace module account first.

EXAMPLES:
  veriflow market stake --amount 100
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.Stake(context.Background(), amount); err != nil {
				return fmt.Errorf("failed to stake: %w", err)
			}
			fmt.Printf("✅ Staked %d tokens\n", amount)
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "stake amount (required)")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createUnstakeCmd() *cobra.Command {
	var amount int64

	cmd := &cobra.Command{
		Use:   "unstake",
		Short: "Withdraw provider stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.Unstake(context.Background(), amount); err != nil {
				return fmt.Errorf("failed to unstake: %w", err)
			}
			fmt.Printf("✅ Unstaked %d tokens\n", amount)
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to withdraw (required)")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func createProviderCmd() *cobra.Command {
	var address string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Show provider details",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(address)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			p, err := c.GetProvider(context.Background(), addr)
			if err != nil {
				return fmt.Errorf("failed to get provider: %w", err)
			}

			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Address:  %s\n", p.Address)
			fmt.Printf("Active:   %t\n", p.Active)
			fmt.Printf("Stake:    %d\n", p.Stake)
			fmt.Printf("Datasets: %d\n", p.TotalDatasets)
			fmt.Printf("Since:    %s\n", p.CreatedAt)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "provider address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createDatasetsCmd() *cobra.Command {
	var provider string
	var category string
	var activeOnly bool
	var limit int
	var offset int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Browse dataset listings",
		Long: `Browse marketplace dataset listings.

EXAMPLES:
  # All datasets
  veriflow market datasets

  # Active datasets in a category
  veriflow market datasets --category imaging --active

  # Datasets from one provider
  veriflow market datasets --provider 0xabc...def
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			resp, err := c.ListDatasets(context.Background(), client.ListDatasetsFilter{
				Provider:   provider,
				Category:   category,
				ActiveOnly: activeOnly,
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return fmt.Errorf("failed to list datasets: %w", err)
			}

			if jsonOutput {
				return printJSON(resp)
			}

			if len(resp.Data) == 0 {
				fmt.Println("No datasets found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPRICE\tSCORE\tACTIVE\tPROVIDER")
			for _, d := range resp.Data {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%t\t%s\n",
					d.ID, d.Name, d.Category, d.Price, d.QualityScore, d.Active, shortAddr(d.Provider))
			}
			w.Flush()

			if resp.Pagination.HasMore {
				fmt.Printf("\n(showing %d of %d datasets, use --offset to page)\n", len(resp.Data), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider address")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active datasets")
	cmd.Flags().IntVar(&limit, "limit", 20, "max datasets to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createPublishCmd() *cobra.Command {
	var req client.ListDatasetRequest

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a dataset listing",
		Long: `Publish a new dataset listing.

Requires an active provider stake. Category and format default to the
values in veriflow.toml when not given.

EXAMPLES:
  veriflow market publish --name "MRI scans" --price 500 --category imaging --format dicom
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config := loadProjectConfigSilent(); config != nil {
				if req.Category == "" {
					req.Category = config.Category
				}
				if req.Format == "" {
					req.Format = config.Format
				}
			}

			c := client.New(getServer(), getAPIKey())
			id, err := c.ListDataset(context.Background(), req)
			if err != nil {
				return fmt.Errorf("failed to publish dataset: %w", err)
			}
			fmt.Printf("✅ Dataset published (id %d)\n", id)
			fmt.Printf("   Buyers purchase with: veriflow market purchase --id %d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "dataset name (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "dataset description")
	cmd.Flags().StringVar(&req.Category, "category", "", "dataset category")
	cmd.Flags().Int64Var(&req.Size, "size", 0, "dataset size in bytes")
	cmd.Flags().StringVar(&req.Format, "format", "", "dataset format")
	cmd.Flags().Int64Var(&req.Price, "price", 0, "price in tokens (required)")
	cmd.Flags().Int64Var(&req.QualityScore, "quality-score", 0, "self-reported quality score (0-100)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func createPriceCmd() *cobra.Command {
	var id int64
	var price int64

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Update a dataset price",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.UpdatePrice(context.Background(), id, price); err != nil {
				return fmt.Errorf("failed to update price: %w", err)
			}
			fmt.Printf("✅ Dataset %d price updated to %d\n", id, price)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "dataset id (required)")
	cmd.Flags().Int64Var(&price, "price", 0, "new price (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func createDelistCmd() *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "delist",
		Short: "Deactivate a dataset listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.DeactivateDataset(context.Background(), id); err != nil {
				return fmt.Errorf("failed to delist dataset: %w", err)
			}
			fmt.Printf("✅ Dataset %d delisted\n", id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "dataset id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func createPurchaseCmd() *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Purchase a dataset",
		Long: `Purchase access to a dataset.

The price is collected through your allowance, so approve the marketplace
module account for at least the dataset price first.

EXAMPLES:
  veriflow market purchase --id 42
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			result, err := c.Purchase(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to purchase: %w", err)
			}
			fmt.Printf("✅ Purchased dataset %d for %d tokens (fee %d)\n", result.DatasetID, result.Price, result.Fee)
			fmt.Printf("   Payment id: %d, provider: %s\n", result.PaymentID, result.Provider)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "dataset id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func shortAddr(addr string) string {
	if len(addr) > 12 {
		return addr[:8] + "..." + addr[len(addr)-4:]
	}
	return addr
}
