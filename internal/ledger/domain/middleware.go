package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/veriflow/veriflow/internal/observability/metrics"
)

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(Service) Service {
	return func(next Service) Service {
		return &loggingMiddleware{next: next, logger: logger}
	}
}

type loggingMiddleware struct {
	next   Service
	logger *slog.Logger
}

func (m *loggingMiddleware) MintWithCollateral(ctx context.Context, caller string, collateral int64) (int64, error) {
	start := time.Now()
	tokens, err := m.next.MintWithCollateral(ctx, caller, collateral)
	if err == nil {
		metrics.RecordMint(tokens)
	}
	m.logger.Info("MintWithCollateral",
		"caller", caller,
		"collateral", collateral,
		"tokens", tokens,
		"duration", time.Since(start),
		"error", err,
	)
	return tokens, err
}

func (m *loggingMiddleware) Redeem(ctx context.Context, caller string, amount int64) (int64, error) {
	start := time.Now()
	released, err := m.next.Redeem(ctx, caller, amount)
	if err == nil {
		metrics.RecordRedeem(amount)
	}
	m.logger.Info("Redeem",
		"caller", caller,
		"amount", amount,
		"collateral", released,
		"duration", time.Since(start),
		"error", err,
	)
	return released, err
}

func (m *loggingMiddleware) Mint(ctx context.Context, admin bool, to string, amount int64) error {
	start := time.Now()
	err := m.next.Mint(ctx, admin, to, amount)
	m.logger.Info("Mint",
		"to", to,
		"amount", amount,
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) Transfer(ctx context.Context, caller, to string, amount int64) error {
	start := time.Now()
	err := m.next.Transfer(ctx, caller, to, amount)
	metrics.RecordTransfer(statusLabel(err))
	m.logger.Info("Transfer",
		"from", caller,
		"to", to,
		"amount", amount,
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) Approve(ctx context.Context, caller, spender string, amount int64) error {
	start := time.Now()
	err := m.next.Approve(ctx, caller, spender, amount)
	m.logger.Info("Approve",
		"owner", caller,
		"spender", spender,
		"amount", amount,
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) TransferFrom(ctx context.Context, caller, owner, to string, amount int64) error {
	start := time.Now()
	err := m.next.TransferFrom(ctx, caller, owner, to, amount)
	metrics.RecordTransfer(statusLabel(err))
	m.logger.Info("TransferFrom",
		"spender", caller,
		"owner", owner,
		"to", to,
		"amount", amount,
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) Balance(ctx context.Context, addr string) (int64, error) {
	start := time.Now()
	balance, err := m.next.Balance(ctx, addr)
	m.logger.Debug("Balance",
		"address", addr,
		"duration", time.Since(start),
		"error", err,
	)
	return balance, err
}

func (m *loggingMiddleware) TotalSupply(ctx context.Context) (int64, error) {
	return m.next.TotalSupply(ctx)
}

func (m *loggingMiddleware) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	return m.next.Allowance(ctx, owner, spender)
}

func (m *loggingMiddleware) CollateralInfo(ctx context.Context, addr string) (*CollateralInfo, error) {
	start := time.Now()
	info, err := m.next.CollateralInfo(ctx, addr)
	m.logger.Debug("CollateralInfo",
		"address", addr,
		"duration", time.Since(start),
		"error", err,
	)
	return info, err
}

func (m *loggingMiddleware) Bootstrap(ctx context.Context) error {
	err := m.next.Bootstrap(ctx)
	m.logger.Info("Bootstrap", "error", err)
	return err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
