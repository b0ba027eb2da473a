package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/storage"
)

const (
	custody  = "0x0000000000000000000000000000000000000102"
	treasury = "0x00000000000000000000000000000000000000fe"
	buyer    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	seller   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// mockStore implements Store with an in-memory ledger and payment records.
type mockStore struct {
	balances   map[string]int64
	allowances map[string]int64
	payments   map[int64]*storage.Payment
	escrows    map[int64]*storage.Escrow
	settings   map[string]int64
	events     []string
	nextID     int64

	failCreatePayment bool
}

func newMockStore() *mockStore {
	return &mockStore{
		balances:   make(map[string]int64),
		allowances: make(map[string]int64),
		payments:   make(map[int64]*storage.Payment),
		escrows:    make(map[int64]*storage.Escrow),
		settings:   make(map[string]int64),
	}
}

func allowanceKey(owner, spender string) string { return owner + "/" + spender }

func (m *mockStore) CreatePayment(ctx context.Context, p *storage.Payment) (int64, error) {
	if m.failCreatePayment {
		return 0, errors.New("payment write failed")
	}
	m.nextID++
	p.ID = m.nextID
	m.payments[p.ID] = p
	return p.ID, nil
}

func (m *mockStore) GetPayment(ctx context.Context, id int64) (*storage.Payment, error) {
	if p, ok := m.payments[id]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) MarkPaymentRefunded(ctx context.Context, id int64) error {
	p, ok := m.payments[id]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Refunded {
		return storage.ErrAlreadyRefunded
	}
	p.Refunded = true
	return nil
}

func (m *mockStore) ListPaymentsByBuyer(ctx context.Context, buyer string) ([]storage.Payment, error) {
	var out []storage.Payment
	for _, p := range m.payments {
		if p.Buyer == buyer {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) ListPaymentsBySeller(ctx context.Context, seller string) ([]storage.Payment, error) {
	var out []storage.Payment
	for _, p := range m.payments {
		if p.Seller == seller {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) CountPayments(ctx context.Context) (int64, error) {
	return int64(len(m.payments)), nil
}

func (m *mockStore) CreateEscrow(ctx context.Context, e *storage.Escrow) (int64, error) {
	m.nextID++
	e.ID = m.nextID
	m.escrows[e.ID] = e
	return e.ID, nil
}

func (m *mockStore) GetEscrow(ctx context.Context, id int64) (*storage.Escrow, error) {
	if e, ok := m.escrows[id]; ok {
		return e, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) CompleteEscrow(ctx context.Context, id int64) error {
	e, ok := m.escrows[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Completed {
		return storage.ErrAlreadyCompleted
	}
	e.Completed = true
	return nil
}

func (m *mockStore) CountEscrows(ctx context.Context) (int64, error) {
	return int64(len(m.escrows)), nil
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

func (m *mockStore) Payout(ctx context.Context, from string, legs []storage.Leg) error {
	var total int64
	for _, leg := range legs {
		total += leg.Amount
	}
	if m.balances[from] < total {
		return storage.ErrInsufficientBalance
	}
	m.balances[from] -= total
	for _, leg := range legs {
		m.balances[leg.To] += leg.Amount
	}
	return nil
}

func (m *mockStore) GetSetting(ctx context.Context, key string, fallback int64) (int64, error) {
	if v, ok := m.settings[key]; ok {
		return v, nil
	}
	return fallback, nil
}

func (m *mockStore) SetSetting(ctx context.Context, key string, value int64) error {
	m.settings[key] = value
	return nil
}

func (m *mockStore) AppendEvent(ctx context.Context, eventType string, payload map[string]any) error {
	m.events = append(m.events, eventType)
	return nil
}

// fund credits the buyer and approves the custody account.
func (m *mockStore) fund(addr string, amount int64) {
	m.balances[addr] = amount
	m.allowances[allowanceKey(addr, custody)] = amount
}

func newTestService(store Store) Service {
	return NewService(store, custody, treasury)
}

func TestProcessPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("SplitsFeeAndRemainder", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)

		p, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200, DatasetID: 7})
		require.NoError(t, err)

		assert.True(t, p.Completed)
		assert.Equal(t, int64(200), p.Amount)
		assert.Equal(t, int64(7), p.DatasetID)

		// 5% default fee on 200 is 10.
		assert.Equal(t, int64(800), store.balances[buyer])
		assert.Equal(t, int64(10), store.balances[treasury])
		assert.Equal(t, int64(190), store.balances[seller])
		assert.Contains(t, store.events, EventPaymentProcessed)
	})

	t.Run("FeeFloorsOnAmountOne", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 10)
		svc := newTestService(store)

		// floor(1 * 500 / 10000) = 0: the seller keeps the full unit.
		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 1})
		require.NoError(t, err)

		assert.Equal(t, int64(0), store.balances[treasury])
		assert.Equal(t, int64(1), store.balances[seller])
	})

	t.Run("SplitIsExactAtFeeCap", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 10)
		svc := newTestService(store)
		require.NoError(t, svc.SetPlatformFee(ctx, true, 2000))

		// floor(7 * 2000 / 10000) = 1; the remainder goes to the seller.
		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 7})
		require.NoError(t, err)

		assert.Equal(t, int64(1), store.balances[treasury])
		assert.Equal(t, int64(6), store.balances[seller])
		assert.Equal(t, int64(7), store.balances[treasury]+store.balances[seller])
	})

	t.Run("RestoresFundsWhenPaymentWriteFails", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 1000)
		store.failCreatePayment = true
		svc := newTestService(store)

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		require.Error(t, err)

		assert.Equal(t, int64(1000), store.balances[buyer])
		assert.Equal(t, int64(0), store.balances[treasury])
		assert.Equal(t, int64(0), store.balances[seller])
	})

	t.Run("RejectsInvalidRequest", func(t *testing.T) {
		svc := newTestService(newMockStore())

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 0})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: "0x123", Amount: 100})
		assert.ErrorIs(t, err, ErrInvalidSeller)
	})

	t.Run("RequiresAllowance", func(t *testing.T) {
		store := newMockStore()
		store.balances[buyer] = 1000
		svc := newTestService(store)

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
	})

	t.Run("RequiresBalance", func(t *testing.T) {
		store := newMockStore()
		store.allowances[allowanceKey(buyer, custody)] = 1000
		svc := newTestService(store)

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("NormalizesSeller", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)

		p, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{
			Seller: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
			Amount: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, seller, p.Seller)
	})
}

func TestEscrow(t *testing.T) {
	ctx := context.Background()

	openEscrow := func(t *testing.T) (*mockStore, Service, int64) {
		t.Helper()
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)
		e, err := svc.CreateEscrow(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		require.NoError(t, err)
		return store, svc, e.ID
	}

	t.Run("CreateHoldsFunds", func(t *testing.T) {
		store, svc, id := openEscrow(t)

		e, err := svc.GetEscrow(ctx, id)
		require.NoError(t, err)
		assert.False(t, e.Completed)
		assert.Equal(t, int64(800), store.balances[buyer])
		assert.Equal(t, int64(200), store.balances[custody])
		assert.Equal(t, int64(0), store.balances[seller])
	})

	t.Run("ReleaseSettlesToSeller", func(t *testing.T) {
		store, svc, id := openEscrow(t)

		require.NoError(t, svc.ReleaseEscrow(ctx, buyer, id))

		assert.Equal(t, int64(0), store.balances[custody])
		assert.Equal(t, int64(10), store.balances[treasury])
		assert.Equal(t, int64(190), store.balances[seller])

		e, _ := svc.GetEscrow(ctx, id)
		assert.True(t, e.Completed)
	})

	t.Run("OnlyBuyerReleases", func(t *testing.T) {
		_, svc, id := openEscrow(t)

		err := svc.ReleaseEscrow(ctx, seller, id)
		assert.ErrorIs(t, err, ErrOnlyBuyer)
	})

	t.Run("ReleaseExactlyOnce", func(t *testing.T) {
		store, svc, id := openEscrow(t)

		require.NoError(t, svc.ReleaseEscrow(ctx, buyer, id))

		err := svc.ReleaseEscrow(ctx, buyer, id)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
		// No double payout.
		assert.Equal(t, int64(190), store.balances[seller])
	})

	t.Run("ReleaseMissingEscrow", func(t *testing.T) {
		_, svc, _ := openEscrow(t)

		err := svc.ReleaseEscrow(ctx, buyer, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RefundReturnsFullAmount", func(t *testing.T) {
		store, svc, id := openEscrow(t)

		require.NoError(t, svc.RefundEscrow(ctx, true, id))

		// Refunds carry no fee.
		assert.Equal(t, int64(1000), store.balances[buyer])
		assert.Equal(t, int64(0), store.balances[custody])
		assert.Equal(t, int64(0), store.balances[treasury])
	})

	t.Run("RefundRequiresAdmin", func(t *testing.T) {
		_, svc, id := openEscrow(t)

		err := svc.RefundEscrow(ctx, false, id)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("RefundAfterReleaseRejected", func(t *testing.T) {
		_, svc, id := openEscrow(t)

		require.NoError(t, svc.ReleaseEscrow(ctx, buyer, id))

		err := svc.RefundEscrow(ctx, true, id)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
	})
}

func TestProcessRefund(t *testing.T) {
	ctx := context.Background()

	settledPayment := func(t *testing.T) (*mockStore, Service, int64) {
		t.Helper()
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)
		p, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		require.NoError(t, err)
		// Custody needs funds to cover refunds of already-settled payments.
		store.balances[custody] = 500
		return store, svc, p.ID
	}

	t.Run("RefundsFullAmount", func(t *testing.T) {
		store, svc, id := settledPayment(t)

		require.NoError(t, svc.ProcessRefund(ctx, true, id))

		assert.Equal(t, int64(1000), store.balances[buyer])
		assert.Equal(t, int64(300), store.balances[custody])

		p, err := svc.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.True(t, p.Refunded)
		assert.True(t, p.Completed)
	})

	t.Run("ExactlyOnce", func(t *testing.T) {
		store, svc, id := settledPayment(t)

		require.NoError(t, svc.ProcessRefund(ctx, true, id))

		err := svc.ProcessRefund(ctx, true, id)
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
		assert.Equal(t, int64(1000), store.balances[buyer])
	})

	t.Run("RequiresAdmin", func(t *testing.T) {
		_, svc, id := settledPayment(t)

		err := svc.ProcessRefund(ctx, false, id)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("MissingPayment", func(t *testing.T) {
		_, svc, _ := settledPayment(t)

		err := svc.ProcessRefund(ctx, true, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetPlatformFee(t *testing.T) {
	ctx := context.Background()

	t.Run("UpdatesFee", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)

		require.NoError(t, svc.SetPlatformFee(ctx, true, 1000))

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		require.NoError(t, err)

		// 10% fee on 200 is 20.
		assert.Equal(t, int64(20), store.balances[treasury])
		assert.Equal(t, int64(180), store.balances[seller])
	})

	t.Run("ZeroDisablesFee", func(t *testing.T) {
		store := newMockStore()
		store.fund(buyer, 1000)
		svc := newTestService(store)

		require.NoError(t, svc.SetPlatformFee(ctx, true, 0))

		_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 200})
		require.NoError(t, err)
		assert.Equal(t, int64(200), store.balances[seller])
	})

	t.Run("RejectsOverCap", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.SetPlatformFee(ctx, true, 2001), ErrFeeTooHigh)
		assert.ErrorIs(t, svc.SetPlatformFee(ctx, true, -1), ErrFeeTooHigh)
	})

	t.Run("RequiresAdmin", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.SetPlatformFee(ctx, false, 100), ErrForbidden)
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()

	store := newMockStore()
	store.fund(buyer, 1000)
	svc := newTestService(store)

	_, err := svc.ProcessPayment(ctx, buyer, PaymentRequest{Seller: seller, Amount: 100})
	require.NoError(t, err)
	_, err = svc.CreateEscrow(ctx, buyer, PaymentRequest{Seller: seller, Amount: 100})
	require.NoError(t, err)

	t.Run("BuyerPayments", func(t *testing.T) {
		payments, err := svc.BuyerPayments(ctx, buyer)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})

	t.Run("SellerPayments", func(t *testing.T) {
		payments, err := svc.SellerPayments(ctx, seller)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})

	t.Run("Counts", func(t *testing.T) {
		payments, escrows, err := svc.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), payments)
		assert.Equal(t, int64(1), escrows)
	})
}
