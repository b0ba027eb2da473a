package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/veriflow/veriflow/pkg/client"
)

func createInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show server info",
		Long: `Show server health, version and ledger totals.

Warns when the client is older than the server.

EXAMPLES:
  veriflow info
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runInfo(jsonOutput bool) error {
	c := client.New(getServer(), getAPIKey())
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}

	supply, err := c.TotalSupply(ctx)
	if err != nil {
		return fmt.Errorf("failed to read supply: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"server":        getServer(),
			"status":        health.Status,
			"serverVersion": health.Version,
			"clientVersion": cliVersion,
			"totalSupply":   supply,
		})
	}

	fmt.Printf("Server:  %s\n", getServer())
	fmt.Printf("Status:  %s\n", health.Status)
	fmt.Printf("Version: %s (client %s)\n", health.Version, cliVersion)
	fmt.Printf("Supply:  %d\n", supply)

	if clientBehindServer(cliVersion, health.Version) {
		fmt.Println()
		fmt.Printf("⚠️  Client %s is older than server %s - consider upgrading\n", cliVersion, health.Version)
	}

	return nil
}

// clientBehindServer compares release versions using semver. Development
// builds ("dev") and non-semver strings never trigger the warning.
func clientBehindServer(clientVersion, serverVersion string) bool {
	cv := normalizeVersion(clientVersion)
	sv := normalizeVersion(serverVersion)
	if !semver.IsValid(cv) || !semver.IsValid(sv) {
		return false
	}
	return semver.Compare(cv, sv) < 0
}

func normalizeVersion(v string) string {
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
