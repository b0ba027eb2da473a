package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/ledger/domain"
)

const (
	callerAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	otherAddr  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// mockService implements domain.Service for handler tests.
type mockService struct {
	supply     int64
	balances   map[string]int64
	allowances map[string]int64
	collateral map[string]int64
	mintRate   int64

	err error // when set, every operation fails with it
}

func newMockService() *mockService {
	return &mockService{
		balances:   make(map[string]int64),
		allowances: make(map[string]int64),
		collateral: make(map[string]int64),
		mintRate:   1000,
	}
}

func (m *mockService) MintWithCollateral(ctx context.Context, caller string, collateral int64) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if collateral <= 0 {
		return 0, domain.ErrInvalidCollateral
	}
	tokens := collateral * m.mintRate
	m.balances[caller] += tokens
	m.collateral[caller] += collateral
	m.supply += tokens
	return tokens, nil
}

func (m *mockService) Redeem(ctx context.Context, caller string, amount int64) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if m.balances[caller] < amount {
		return 0, domain.ErrInsufficientBalance
	}
	released := amount / m.mintRate
	m.balances[caller] -= amount
	m.collateral[caller] -= released
	return released, nil
}

func (m *mockService) Mint(ctx context.Context, admin bool, to string, amount int64) error {
	if m.err != nil {
		return m.err
	}
	if !admin {
		return domain.ErrForbidden
	}
	m.balances[to] += amount
	m.supply += amount
	return nil
}

func (m *mockService) Transfer(ctx context.Context, caller, to string, amount int64) error {
	if m.err != nil {
		return m.err
	}
	if m.balances[caller] < amount {
		return domain.ErrInsufficientBalance
	}
	m.balances[caller] -= amount
	m.balances[to] += amount
	return nil
}

func (m *mockService) Approve(ctx context.Context, caller, spender string, amount int64) error {
	if m.err != nil {
		return m.err
	}
	m.allowances[caller+"/"+spender] = amount
	return nil
}

func (m *mockService) TransferFrom(ctx context.Context, caller, owner, to string, amount int64) error {
	if m.err != nil {
		return m.err
	}
	key := owner + "/" + caller
	if m.allowances[key] < amount {
		return domain.ErrInsufficientAllowance
	}
	m.allowances[key] -= amount
	m.balances[owner] -= amount
	m.balances[to] += amount
	return nil
}

func (m *mockService) Balance(ctx context.Context, addr string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.balances[addr], nil
}

func (m *mockService) TotalSupply(ctx context.Context) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.supply, nil
}

func (m *mockService) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.allowances[owner+"/"+spender], nil
}

func (m *mockService) CollateralInfo(ctx context.Context, addr string) (*domain.CollateralInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.CollateralInfo{Deposited: m.collateral[addr], Ratio: 100}, nil
}

func (m *mockService) Bootstrap(ctx context.Context) error { return nil }

// withCaller injects an authenticated caller, standing in for the auth
// middleware on write routes.
func withCaller(caller *auth.Caller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}

func setupRouter(svc domain.Service, caller *auth.Caller) *chi.Mux {
	h := NewHandler(svc)
	r := chi.NewRouter()
	h.RegisterReadRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(withCaller(caller))
		h.RegisterWriteRoutes(r)
	})
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func errorCode(body map[string]any) string {
	if e, ok := body["error"].(map[string]any); ok {
		code, _ := e["code"].(string)
		return code
	}
	return ""
}

func TestReadRoutes(t *testing.T) {
	svc := newMockService()
	svc.supply = 100_000
	svc.balances[callerAddr] = 5000
	svc.collateral[callerAddr] = 5
	svc.allowances[callerAddr+"/"+otherAddr] = 300
	router := setupRouter(svc, &auth.Caller{Address: callerAddr})

	t.Run("Supply", func(t *testing.T) {
		w, body := doJSON(t, router, "GET", "/supply", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(100_000), body["totalSupply"])
	})

	t.Run("Balance", func(t *testing.T) {
		w, body := doJSON(t, router, "GET", "/accounts/"+callerAddr+"/balance", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(5000), body["balance"])
		assert.Equal(t, callerAddr, body["address"])
	})

	t.Run("Collateral", func(t *testing.T) {
		w, body := doJSON(t, router, "GET", "/accounts/"+callerAddr+"/collateral", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(5), body["deposited"])
		assert.Equal(t, float64(100), body["ratio"])
	})

	t.Run("Allowance", func(t *testing.T) {
		w, body := doJSON(t, router, "GET", "/accounts/"+callerAddr+"/allowances/"+otherAddr, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(300), body["allowance"])
	})
}

func TestMintWithCollateral(t *testing.T) {
	t.Run("Mints", func(t *testing.T) {
		svc := newMockService()
		router := setupRouter(svc, &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/mint", map[string]any{"collateral": 5})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, float64(5000), body["minted"])
		assert.Equal(t, callerAddr, body["address"])
	})

	t.Run("RejectsZeroCollateral", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/mint", map[string]any{"collateral": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_COLLATERAL", errorCode(body))
	})

	t.Run("RejectsBadJSON", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		req := httptest.NewRequest("POST", "/mint", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRedeem(t *testing.T) {
	t.Run("Redeems", func(t *testing.T) {
		svc := newMockService()
		svc.balances[callerAddr] = 5000
		svc.collateral[callerAddr] = 5
		router := setupRouter(svc, &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/redeem", map[string]any{"amount": 2000})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2000), body["burned"])
		assert.Equal(t, float64(2), body["collateral"])
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/redeem", map[string]any{"amount": 2000})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(body))
	})
}

func TestTransferRoutes(t *testing.T) {
	t.Run("Transfer", func(t *testing.T) {
		svc := newMockService()
		svc.balances[callerAddr] = 1000
		router := setupRouter(svc, &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/transfer", map[string]any{"to": otherAddr, "amount": 400})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(400), body["amount"])
		assert.Equal(t, int64(600), svc.balances[callerAddr])
	})

	t.Run("TransferInsufficientBalance", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/transfer", map[string]any{"to": otherAddr, "amount": 400})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(body))
	})

	t.Run("ApproveThenTransferFrom", func(t *testing.T) {
		svc := newMockService()
		svc.balances[otherAddr] = 1000
		svc.allowances[otherAddr+"/"+callerAddr] = 500
		router := setupRouter(svc, &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/transfer-from", map[string]any{
			"owner":  otherAddr,
			"to":     callerAddr,
			"amount": 300,
		})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, callerAddr, body["spender"])
		assert.Equal(t, int64(200), svc.allowances[otherAddr+"/"+callerAddr])
	})

	t.Run("TransferFromInsufficientAllowance", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/transfer-from", map[string]any{
			"owner":  otherAddr,
			"to":     callerAddr,
			"amount": 300,
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "INSUFFICIENT_ALLOWANCE", errorCode(body))
	})

	t.Run("Approve", func(t *testing.T) {
		svc := newMockService()
		router := setupRouter(svc, &auth.Caller{Address: callerAddr})

		w, _ := doJSON(t, router, "POST", "/approve", map[string]any{"spender": otherAddr, "amount": 500})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(500), svc.allowances[callerAddr+"/"+otherAddr])
	})
}

func TestAdminMint(t *testing.T) {
	t.Run("AdminMints", func(t *testing.T) {
		svc := newMockService()
		router := setupRouter(svc, &auth.Caller{Address: callerAddr, Admin: true})

		w, body := doJSON(t, router, "POST", "/admin/mint", map[string]any{"to": otherAddr, "amount": 1000})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, float64(1000), body["amount"])
		assert.Equal(t, int64(1000), svc.balances[otherAddr])
	})

	t.Run("NonAdminForbidden", func(t *testing.T) {
		router := setupRouter(newMockService(), &auth.Caller{Address: callerAddr})

		w, body := doJSON(t, router, "POST", "/admin/mint", map[string]any{"to": otherAddr, "amount": 1000})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "FORBIDDEN", errorCode(body))
	})
}
