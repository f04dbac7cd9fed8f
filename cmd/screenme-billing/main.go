package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/syedarman1/screenme-sub000/internal/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "screenme-billing",
	Short:   "ScreenMe billing service - Stripe payment-event reconciliation",
	Long:    `screenme-billing receives Stripe webhook events and reconciles user subscription plans, processed-event records, and the billing ledger.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := billing.Run(context.Background(), Version); err != nil {
			log.Fatal().Err(err).Msg("Billing service failed")
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("screenme-billing %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
