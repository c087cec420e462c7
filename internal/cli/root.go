package cli

import (
	"fmt"
	"os"

	"github.com/alapierre/go-arca-client/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// NewRootCmd creates the root command for arca
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arca",
		Short: "arca - ARCA (ex AFIP) electronic invoicing client",
		Long: `arca authenticates against WSAA and requests CAE authorization codes from WSFEv1.

It runs as an HTTP facade (serve) or performs single operations from the command line.

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (ARCA_*, nested keys with __, e.g. ARCA_TOKEN_STORE__TYPE)
  3. Configuration file (yaml, json or toml)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (env: ARCA_CONFIG)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if configFile == "" {
			configFile = os.Getenv("ARCA_CONFIG")
		}
	}

	rootCmd.AddCommand(
		NewServeCmd(),
		NewStatusCmd(),
		NewLastVoucherCmd(),
		NewInvoiceCmd(),
		NewVoucherCmd(),
		NewAuthCmd(),
	)

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
