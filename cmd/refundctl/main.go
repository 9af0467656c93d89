package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/pkg/refundclient"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliOptions struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	asJSON  bool
}

func (o *cliOptions) client() *refundclient.Client {
	return refundclient.NewClient(o.baseURL, o.apiKey)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:           "refundctl",
		Short:         "Operate the milestone refund workflow",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("REFUND_SERVICE_URL", "http://localhost:8085"), "Refund service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", envOr("INTERNAL_API_KEY", os.Getenv("REFUND_SERVICE_INTERNAL_API_KEY")), "Internal API key")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&opts.asJSON, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(sweepCmd(opts))
	rootCmd.AddCommand(processCmd(opts))
	rootCmd.AddCommand(allocateCmd(opts))

	return rootCmd
}

func sweepCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Auto-resolve every pending decision past its deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			result, err := opts.client().Sweep(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Auto-resolved %d decisions totalling %d\n", result.ProcessedCount, result.TotalAmount)
			printOutcomes(cmd.OutOrStdout(), result.Decisions)
			return nil
		},
	}
}

func processCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process [refund-request-id]",
		Short: "Settle every decided decision of a refund request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid refund request id %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			result, err := opts.client().ProcessRefundRequest(ctx, requestID)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s: %s (processed %d, successful %d, failed %d, skipped %d)\n",
				result.RefundRequestID, result.Status, result.Processed, result.Successful, result.Failed, result.Skipped)
			printOutcomes(cmd.OutOrStdout(), result.Outcomes)
			return nil
		},
	}
}

func allocateCmd(opts *cliOptions) *cobra.Command {
	var donationID, campaignID, donorID string
	var amount int64

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Record a completed donation in the allocation ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.AllocateDonationRequest{Amount: amount}
			for flag, target := range map[string]struct {
				raw string
				id  *uuid.UUID
			}{
				"donation": {donationID, &req.DonationID},
				"campaign": {campaignID, &req.CampaignID},
				"donor":    {donorID, &req.DonorID},
			} {
				id, err := uuid.Parse(strings.TrimSpace(target.raw))
				if err != nil {
					return fmt.Errorf("invalid --%s %q", flag, target.raw)
				}
				*target.id = id
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			result, err := opts.client().Allocate(ctx, req)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			verb := "Already allocated"
			if result.Created {
				verb = "Allocated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s donation %s across %d milestones\n", verb, req.DonationID, len(result.Allocations))
			for _, allocation := range result.Allocations {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %d (%s%%)\n", allocation.MilestoneID, allocation.AllocatedAmount, allocation.AllocationPercentage.StringFixed(2))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&donationID, "donation", "", "Donation ID")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "Campaign ID")
	cmd.Flags().StringVar(&donorID, "donor", "", "Donor ID")
	cmd.Flags().Int64Var(&amount, "amount", 0, "Donation amount in minor units")
	_ = cmd.MarkFlagRequired("donation")
	_ = cmd.MarkFlagRequired("campaign")
	_ = cmd.MarkFlagRequired("donor")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func printOutcomes(w io.Writer, outcomes []domain.SettlementOutcome) {
	for _, outcome := range outcomes {
		state := "ok"
		switch {
		case outcome.Skipped:
			state = "skipped"
		case !outcome.Success:
			state = "failed: " + outcome.Error
		}
		fmt.Fprintf(w, "  %s  %-17s %s\n", outcome.DecisionID, outcome.DecisionType, state)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
