//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veriflow/veriflow/internal/config"
	"github.com/veriflow/veriflow/internal/server"
	"github.com/veriflow/veriflow/internal/storage"
	"github.com/veriflow/veriflow/pkg/client"
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	TestServer        *httptest.Server
	Store             storage.Store
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("veriflow"),
		postgres.WithUsername("veriflow"),
		postgres.WithPassword("veriflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return container, connString, nil
}

// startServerE starts the veriflow server in-process against the given database
func startServerE(connString string) (*httptest.Server, storage.Store, error) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Storage: config.StorageConfig{
			Type: "postgres",
			Postgres: config.PostgresConfig{
				URL: connString,
			},
		},
		Ledger: config.LedgerConfig{
			MintRate:      1000,
			InitialSupply: 100000,
			Treasury:      "0x00000000000000000000000000000000000000fe",
			Marketplace:   "0x0000000000000000000000000000000000000101",
			Payments:      "0x0000000000000000000000000000000000000102",
			Verification:  "0x0000000000000000000000000000000000000103",
		},
		Logging:   config.LoggingConfig{Level: "debug", Format: "text"},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Security:  config.SecurityConfig{FilterEnabled: false, MaxBodySizeMB: 10},
		Proxy:     config.ProxyConfig{TrustProxy: false},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	srv := server.New(cfg, store, logger)
	if err := srv.Ledger().Bootstrap(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to bootstrap ledger: %w", err)
	}

	return httptest.NewServer(srv.Handler()), store, nil
}

// newClient creates an API client for the shared test server
func newClient(apiKey string) *client.Client {
	return client.New(testCtx.TestServer.URL, apiKey)
}

// newAccount creates an API key bound to the given address and returns a
// client authenticated as that account.
func newAccount(t *testing.T, name, address string) *client.Client {
	t.Helper()
	key, err := testCtx.Store.CreateAPIKey(context.Background(), name, address, false)
	require.NoError(t, err, "Failed to create API key")
	return newClient(key)
}

// newAdmin creates an admin API key bound to the given address
func newAdmin(t *testing.T, name, address string) *client.Client {
	t.Helper()
	key, err := testCtx.Store.CreateAPIKey(context.Background(), name, address, true)
	require.NoError(t, err, "Failed to create API key")
	return newClient(key)
}

// fund mints unbacked tokens to an address through an admin client
func fund(t *testing.T, address string, amount int64) {
	t.Helper()
	admin := newAdmin(t, "funder", "0x00000000000000000000000000000000000000ad")
	require.NoError(t, admin.AdminMint(context.Background(), address, amount))
}

// assertAPIError asserts that err is an APIError with the expected code
func assertAPIError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError, got %T: %v", err, err)
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}
