package cli

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/pkg/client"
)

func createVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Dataset verification commands",
	}

	cmd.AddCommand(createVerifyQualityCmd())
	cmd.AddCommand(createVerifyTrainingCmd())
	cmd.AddCommand(createVerifyOracleCmd())
	cmd.AddCommand(createVerifyShowCmd())
	cmd.AddCommand(createReputationCmd())

	return cmd
}

func createVerifyQualityCmd() *cobra.Command {
	var datasetID int64
	var score int64
	var dataHash string

	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Submit a quality attestation",
		Long: `Submit (or overwrite) the quality attestation for a dataset.

EXAMPLES:
  veriflow verify quality --dataset 42 --score 87 --hash QmX...
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.SubmitQuality(context.Background(), datasetID, score, dataHash); err != nil {
				return fmt.Errorf("failed to submit verification: %w", err)
			}
			fmt.Printf("✅ Quality verification submitted for dataset %d (score %d)\n", datasetID, score)
			return nil
		},
	}

	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "dataset id (required)")
	cmd.Flags().Int64Var(&score, "score", 0, "quality score 0-100 (required)")
	cmd.Flags().StringVar(&dataHash, "hash", "", "content hash of the verified data")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("score")

	return cmd
}

func createVerifyTrainingCmd() *cobra.Command {
	var datasetID int64
	var modelHash string
	var metrics string
	var proofHash string

	cmd := &cobra.Command{
		Use:   "training",
		Short: "Submit a training attestation",
		Long: `Attest that a model was trained on a dataset.

EXAMPLES:
  veriflow verify training --dataset 42 --model-hash QmY... --metrics '{"accuracy":0.93}'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			if err := c.SubmitTraining(context.Background(), datasetID, modelHash, metrics, proofHash); err != nil {
				return fmt.Errorf("failed to submit verification: %w", err)
			}
			fmt.Printf("✅ Training verification submitted for dataset %d\n", datasetID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "dataset id (required)")
	cmd.Flags().StringVar(&modelHash, "model-hash", "", "hash of the trained model (required)")
	cmd.Flags().StringVar(&metrics, "metrics", "", "training metrics (required)")
	cmd.Flags().StringVar(&proofHash, "proof-hash", "", "hash of the training proof")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("model-hash")
	_ = cmd.MarkFlagRequired("metrics")

	return cmd
}

func createVerifyOracleCmd() *cobra.Command {
	var datasetID int64
	var query string

	cmd := &cobra.Command{
		Use:   "oracle",
		Short: "Request an external attestation",
		Long: `Submit a paid oracle verification request.

The verification fee is collected through your allowance over the
verification module account.

EXAMPLES:
  veriflow verify oracle --dataset 42 --query "schema matches listing"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			id, err := c.RequestOracle(context.Background(), datasetID, query)
			if err != nil {
				return fmt.Errorf("failed to request verification: %w", err)
			}
			fmt.Printf("✅ Oracle request %d submitted\n", id)
			fmt.Printf("   Check status with: veriflow verify show --oracle %d\n", id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "dataset id (required)")
	cmd.Flags().StringVar(&query, "query", "", "verification query (required)")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func createVerifyShowCmd() *cobra.Command {
	var datasetID int64
	var trainer string
	var oracleID int64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show verification records",
		Long: `Show verification records for a dataset or an oracle request.

EXAMPLES:
  # Quality attestation of a dataset
  veriflow verify show --dataset 42

  # Training attestation for a trainer
  veriflow verify show --dataset 42 --trainer 0xabc...def

  # Oracle request status
  veriflow verify show --oracle 7
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			ctx := context.Background()

			switch {
			case oracleID != 0:
				req, err := c.GetOracle(ctx, oracleID)
				if err != nil {
					return fmt.Errorf("failed to get oracle request: %w", err)
				}
				if jsonOutput {
					return printJSON(req)
				}
				status := "pending"
				if req.Completed {
					status = "completed"
				}
				fmt.Printf("Oracle request %d (%s)\n", req.ID, status)
				fmt.Printf("Requester: %s\n", req.Requester)
				fmt.Printf("Dataset:   %d\n", req.DatasetID)
				fmt.Printf("Query:     %s\n", req.Query)
				if req.Completed && req.Response != "" {
					if raw, err := base64.StdEncoding.DecodeString(req.Response); err == nil {
						fmt.Printf("Response:  %s\n", raw)
					}
				}
				return nil

			case trainer != "":
				v, err := c.GetTraining(ctx, datasetID, trainer)
				if err != nil {
					return fmt.Errorf("failed to get verification: %w", err)
				}
				if jsonOutput {
					return printJSON(v)
				}
				fmt.Printf("Training verification for dataset %d\n", v.DatasetID)
				fmt.Printf("Trainer:    %s\n", v.Trainer)
				fmt.Printf("Model hash: %s\n", v.ModelHash)
				fmt.Printf("Metrics:    %s\n", v.Metrics)
				if v.ProofHash != "" {
					fmt.Printf("Proof hash: %s\n", v.ProofHash)
				}
				return nil

			case datasetID != 0:
				v, err := c.GetQuality(ctx, datasetID)
				if err != nil {
					return fmt.Errorf("failed to get verification: %w", err)
				}
				if jsonOutput {
					return printJSON(v)
				}
				fmt.Printf("Quality verification for dataset %d\n", v.DatasetID)
				fmt.Printf("Verifier:  %s\n", v.Verifier)
				fmt.Printf("Score:     %d\n", v.Score)
				if v.DataHash != "" {
					fmt.Printf("Data hash: %s\n", v.DataHash)
				}
				fmt.Printf("Updated:   %s\n", v.UpdatedAt)
				return nil

			default:
				return fmt.Errorf("specify --dataset, --dataset with --trainer, or --oracle")
			}
		},
	}

	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "dataset id")
	cmd.Flags().StringVar(&trainer, "trainer", "", "trainer address (with --dataset)")
	cmd.Flags().Int64Var(&oracleID, "oracle", 0, "oracle request id")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createReputationCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Show verifier reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := resolveAddress(address)
			if err != nil {
				return err
			}

			c := client.New(getServer(), getAPIKey())
			score, err := c.Reputation(context.Background(), addr)
			if err != nil {
				return fmt.Errorf("failed to get reputation: %w", err)
			}
			fmt.Printf("Reputation of %s: %d\n", addr, score)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "verifier address")

	return cmd
}
