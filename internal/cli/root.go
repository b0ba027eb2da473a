// Package cli implements the veriflow command line client.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	server     string
	apiKey     string
	cliVersion string
)

// Execute runs the CLI
func Execute(version string) error {
	cliVersion = version

	rootCmd := &cobra.Command{
		Use:     "veriflow",
		Short:   "VeriFlow ledger and marketplace CLI",
		Long:    `VeriFlow is a CLI for the collateralized token ledger, dataset marketplace, payments and verification API.`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: veriflow.toml or vf.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")

	// Add subcommands
	rootCmd.AddCommand(createAccountCmd())
	rootCmd.AddCommand(createMarketCmd())
	rootCmd.AddCommand(createPayCmd())
	rootCmd.AddCommand(createVerifyCmd())
	rootCmd.AddCommand(createEventsCmd())
	rootCmd.AddCommand(createInfoCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd.Execute()
}

// getServer returns the server URL from flag, env, config file, or default
func getServer() string {
	// 1. Command line flag
	if server != "" {
		return server
	}

	// 2. Environment variable
	if env := os.Getenv("VERIFLOW_SERVER"); env != "" {
		return env
	}

	// 3. Project config file (TOML)
	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	// 4. Default
	return "http://localhost:8080"
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	// 1. Command line flag
	if apiKey != "" {
		return apiKey
	}

	// 2. Environment variable
	if env := os.Getenv("VERIFLOW_API_KEY"); env != "" {
		return env
	}

	// 3. Credentials file (keyed by server URL)
	serverURL := getServer()
	if cred := getCredential(serverURL); cred != "" {
		return cred
	}

	return ""
}
