package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/storage"
)

const (
	treasury = "0x00000000000000000000000000000000000000fe"
	alice    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob      = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	spender  = "0x0000000000000000000000000000000000000101"
)

// mockStore implements Store with an in-memory ledger.
type mockStore struct {
	balances   map[string]int64
	collateral map[string]int64
	allowances map[string]int64
	supply     int64
	events     []string
}

func newMockStore() *mockStore {
	return &mockStore{
		balances:   make(map[string]int64),
		collateral: make(map[string]int64),
		allowances: make(map[string]int64),
	}
}

func allowanceKey(owner, spender string) string { return owner + "/" + spender }

func (m *mockStore) Balance(ctx context.Context, addr string) (int64, error) {
	return m.balances[addr], nil
}

func (m *mockStore) TotalSupply(ctx context.Context) (int64, error) {
	return m.supply, nil
}

func (m *mockStore) CollateralOf(ctx context.Context, addr string) (int64, error) {
	return m.collateral[addr], nil
}

func (m *mockStore) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	return m.allowances[allowanceKey(owner, spender)], nil
}

func (m *mockStore) Approve(ctx context.Context, owner, spender string, amount int64) error {
	m.allowances[allowanceKey(owner, spender)] = amount
	return nil
}

func (m *mockStore) MintWithCollateral(ctx context.Context, addr string, collateral, tokens int64) error {
	m.collateral[addr] += collateral
	m.balances[addr] += tokens
	m.supply += tokens
	return nil
}

func (m *mockStore) Redeem(ctx context.Context, addr string, tokens, collateral int64) error {
	if m.balances[addr] < tokens {
		return storage.ErrInsufficientBalance
	}
	if m.collateral[addr] < collateral {
		return storage.ErrInsufficientCollateral
	}
	m.balances[addr] -= tokens
	m.collateral[addr] -= collateral
	m.supply -= tokens
	return nil
}

func (m *mockStore) Mint(ctx context.Context, to string, amount int64) error {
	m.balances[to] += amount
	m.supply += amount
	return nil
}

func (m *mockStore) Transfer(ctx context.Context, from, to string, amount int64) error {
	if m.balances[from] < amount {
		return storage.ErrInsufficientBalance
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

func (m *mockStore) Collect(ctx context.Context, owner, spender string, legs []storage.Leg) error {
	var total int64
	for _, leg := range legs {
		total += leg.Amount
	}
	if owner != spender {
		key := allowanceKey(owner, spender)
		if m.allowances[key] < total {
			return storage.ErrInsufficientAllowance
		}
		m.allowances[key] -= total
	}
	if m.balances[owner] < total {
		return storage.ErrInsufficientBalance
	}
	m.balances[owner] -= total
	for _, leg := range legs {
		m.balances[leg.To] += leg.Amount
	}
	return nil
}

func (m *mockStore) AppendEvent(ctx context.Context, eventType string, payload map[string]any) error {
	m.events = append(m.events, eventType)
	return nil
}

func newTestService(store Store) Service {
	return NewService(store, 1000, 100_000, treasury)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("MintsInitialSupply", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		require.NoError(t, svc.Bootstrap(ctx))

		assert.Equal(t, int64(100_000), store.balances[treasury])
		assert.Equal(t, int64(100_000), store.supply)
		assert.Contains(t, store.events, EventMint)
	})

	t.Run("IdempotentOnceSupplyExists", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		require.NoError(t, svc.Bootstrap(ctx))
		require.NoError(t, svc.Bootstrap(ctx))

		assert.Equal(t, int64(100_000), store.supply)
	})

	t.Run("SkippedWhenDisabled", func(t *testing.T) {
		store := newMockStore()
		svc := NewService(store, 1000, 0, treasury)

		require.NoError(t, svc.Bootstrap(ctx))
		assert.Equal(t, int64(0), store.supply)
	})
}

func TestMintWithCollateral(t *testing.T) {
	ctx := context.Background()

	t.Run("MintsAtRate", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		minted, err := svc.MintWithCollateral(ctx, alice, 5)
		require.NoError(t, err)

		assert.Equal(t, int64(5000), minted)
		assert.Equal(t, int64(5000), store.balances[alice])
		assert.Equal(t, int64(5), store.collateral[alice])
	})

	t.Run("RejectsNonPositiveCollateral", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.MintWithCollateral(ctx, alice, 0)
		assert.ErrorIs(t, err, ErrInvalidCollateral)

		_, err = svc.MintWithCollateral(ctx, alice, -3)
		assert.ErrorIs(t, err, ErrInvalidCollateral)
	})
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()

	t.Run("ReleasesFloorOfRate", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.MintWithCollateral(ctx, alice, 5)
		require.NoError(t, err)

		// 2500 tokens release floor(2500/1000) = 2 collateral.
		released, err := svc.Redeem(ctx, alice, 2500)
		require.NoError(t, err)

		assert.Equal(t, int64(2), released)
		assert.Equal(t, int64(2500), store.balances[alice])
		assert.Equal(t, int64(3), store.collateral[alice])
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.Redeem(ctx, alice, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("RejectsEmptyAccount", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		// An account with no tokens lacks balance, not collateral.
		_, err := svc.Redeem(ctx, alice, 1000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("RejectsWhenUnbacked", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		// Tokens without any collateral deposit cannot be redeemed.
		store.balances[alice] = 5000

		_, err := svc.Redeem(ctx, alice, 5000)
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
	})

	t.Run("MapsInsufficientBalance", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.MintWithCollateral(ctx, alice, 5)
		require.NoError(t, err)
		require.NoError(t, store.Transfer(ctx, alice, bob, 4000))

		_, err = svc.Redeem(ctx, alice, 3000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestAdminMint(t *testing.T) {
	ctx := context.Background()

	t.Run("RequiresAdmin", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Mint(ctx, false, alice, 100)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("ValidatesAddress", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Mint(ctx, true, "not-an-address", 100)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("NormalizesAddress", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Mint(ctx, true, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", 100)
		require.NoError(t, err)
		assert.Equal(t, int64(100), store.balances[alice])
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("MovesTokens", func(t *testing.T) {
		store := newMockStore()
		store.balances[alice] = 1000
		svc := newTestService(store)

		require.NoError(t, svc.Transfer(ctx, alice, bob, 400))

		assert.Equal(t, int64(600), store.balances[alice])
		assert.Equal(t, int64(400), store.balances[bob])
		assert.Contains(t, store.events, EventTransfer)
	})

	t.Run("MapsInsufficientBalance", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Transfer(ctx, alice, bob, 400)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("RejectsBadRecipient", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Transfer(ctx, alice, "0x123", 400)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("SetsAllowance", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		require.NoError(t, svc.Approve(ctx, alice, spender, 500))

		allowance, err := svc.Allowance(ctx, alice, spender)
		require.NoError(t, err)
		assert.Equal(t, int64(500), allowance)
	})

	t.Run("ZeroRevokes", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		require.NoError(t, svc.Approve(ctx, alice, spender, 500))
		require.NoError(t, svc.Approve(ctx, alice, spender, 0))

		allowance, _ := svc.Allowance(ctx, alice, spender)
		assert.Equal(t, int64(0), allowance)
	})

	t.Run("RejectsNegative", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.Approve(ctx, alice, spender, -1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestTransferFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("SpendsAllowance", func(t *testing.T) {
		store := newMockStore()
		store.balances[alice] = 1000
		svc := newTestService(store)

		require.NoError(t, svc.Approve(ctx, alice, spender, 500))
		require.NoError(t, svc.TransferFrom(ctx, spender, alice, bob, 300))

		assert.Equal(t, int64(700), store.balances[alice])
		assert.Equal(t, int64(300), store.balances[bob])

		allowance, _ := svc.Allowance(ctx, alice, spender)
		assert.Equal(t, int64(200), allowance)
	})

	t.Run("MapsInsufficientAllowance", func(t *testing.T) {
		store := newMockStore()
		store.balances[alice] = 1000
		svc := newTestService(store)

		err := svc.TransferFrom(ctx, spender, alice, bob, 300)
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
	})

	t.Run("MapsInsufficientBalance", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		require.NoError(t, svc.Approve(ctx, alice, spender, 500))

		err := svc.TransferFrom(ctx, spender, alice, bob, 300)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestCollateralInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyAccount", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		info, err := svc.CollateralInfo(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Deposited)
		assert.Equal(t, int64(0), info.Ratio)
	})

	t.Run("FullyBacked", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.MintWithCollateral(ctx, alice, 5)
		require.NoError(t, err)

		info, err := svc.CollateralInfo(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Deposited)
		assert.Equal(t, int64(100), info.Ratio)
	})

	t.Run("OverBackedAfterSpending", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.MintWithCollateral(ctx, alice, 5)
		require.NoError(t, err)
		require.NoError(t, store.Transfer(ctx, alice, bob, 2500))

		info, err := svc.CollateralInfo(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(200), info.Ratio)
	})
}
