package domain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/storage"
)

const (
	custody  = "0x0000000000000000000000000000000000000103"
	verifier = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	trainer  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// mockStore implements Store with in-memory verification records.
type mockStore struct {
	balances   map[string]int64
	allowances map[string]int64
	quality    map[int64]*storage.QualityVerification
	training   map[string]*storage.TrainingVerification
	oracle     map[int64]*storage.OracleRequest
	reputation map[string]int64
	settings   map[string]int64
	events     []string
	nextID     int64
}

func newMockStore() *mockStore {
	return &mockStore{
		balances:   make(map[string]int64),
		allowances: make(map[string]int64),
		quality:    make(map[int64]*storage.QualityVerification),
		training:   make(map[string]*storage.TrainingVerification),
		oracle:     make(map[int64]*storage.OracleRequest),
		reputation: make(map[string]int64),
		settings:   make(map[string]int64),
	}
}

func allowanceKey(owner, spender string) string { return owner + "/" + spender }

func trainingKey(datasetID int64, trainer string) string {
	return fmt.Sprintf("%d/%s", datasetID, trainer)
}

func (m *mockStore) UpsertQualityVerification(ctx context.Context, v *storage.QualityVerification) (bool, error) {
	_, exists := m.quality[v.DatasetID]
	m.quality[v.DatasetID] = v
	return !exists, nil
}

func (m *mockStore) GetQualityVerification(ctx context.Context, datasetID int64) (*storage.QualityVerification, error) {
	if v, ok := m.quality[datasetID]; ok {
		return v, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) CountQualityVerifications(ctx context.Context) (int64, error) {
	return int64(len(m.quality)), nil
}

func (m *mockStore) CreateTrainingVerification(ctx context.Context, v *storage.TrainingVerification) error {
	key := trainingKey(v.DatasetID, v.Trainer)
	if _, exists := m.training[key]; exists {
		return storage.ErrAlreadyVerified
	}
	m.training[key] = v
	return nil
}

func (m *mockStore) GetTrainingVerification(ctx context.Context, datasetID int64, trainer string) (*storage.TrainingVerification, error) {
	if v, ok := m.training[trainingKey(datasetID, trainer)]; ok {
		return v, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) CountTrainingVerifications(ctx context.Context) (int64, error) {
	return int64(len(m.training)), nil
}

func (m *mockStore) CreateOracleRequest(ctx context.Context, r *storage.OracleRequest) (int64, error) {
	m.nextID++
	r.ID = m.nextID
	m.oracle[r.ID] = r
	return r.ID, nil
}

func (m *mockStore) GetOracleRequest(ctx context.Context, id int64) (*storage.OracleRequest, error) {
	if r, ok := m.oracle[id]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) CompleteOracleRequest(ctx context.Context, id int64, response []byte) error {
	r, ok := m.oracle[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Completed {
		return storage.ErrAlreadyCompleted
	}
	r.Completed = true
	r.Response = response
	return nil
}

func (m *mockStore) Reputation(ctx context.Context, verifier string) (int64, error) {
	return m.reputation[verifier], nil
}

func (m *mockStore) AddReputation(ctx context.Context, verifier string, amount int64) error {
	m.reputation[verifier] += amount
	return nil
}

func (m *mockStore) ReduceReputation(ctx context.Context, verifier string, amount int64) error {
	if m.reputation[verifier] < amount {
		return storage.ErrReputationFloor
	}
	m.reputation[verifier] -= amount
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

func (m *mockStore) fund(addr string, amount int64) {
	m.balances[addr] = amount
	m.allowances[allowanceKey(addr, custody)] = amount
}

func newTestService(store Store) Service {
	return NewService(store, custody)
}

func TestSubmitQuality(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstSubmissionEarnsReputation", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		created, err := svc.SubmitQuality(ctx, verifier, 42, 87, "hash-1")
		require.NoError(t, err)
		assert.True(t, created)

		score, err := svc.Reputation(ctx, verifier)
		require.NoError(t, err)
		assert.Equal(t, int64(1), score)
		assert.Contains(t, store.events, EventQualitySubmitted)
	})

	t.Run("OverwriteEarnsNothing", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		_, err := svc.SubmitQuality(ctx, verifier, 42, 87, "hash-1")
		require.NoError(t, err)

		created, err := svc.SubmitQuality(ctx, trainer, 42, 90, "hash-2")
		require.NoError(t, err)
		assert.False(t, created)

		// Only the first verifier earned a point.
		score, _ := svc.Reputation(ctx, trainer)
		assert.Equal(t, int64(0), score)

		v, err := svc.QualityVerification(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, trainer, v.Verifier)
		assert.Equal(t, int64(90), v.Score)
		assert.Contains(t, store.events, EventQualityUpdated)
	})

	t.Run("RejectsInvalidScore", func(t *testing.T) {
		svc := newTestService(newMockStore())

		_, err := svc.SubmitQuality(ctx, verifier, 42, 101, "hash-1")
		assert.ErrorIs(t, err, ErrInvalidScore)

		_, err = svc.SubmitQuality(ctx, verifier, 42, -1, "hash-1")
		assert.ErrorIs(t, err, ErrInvalidScore)
	})

	t.Run("RejectsEmptyHash", func(t *testing.T) {
		svc := newTestService(newMockStore())

		_, err := svc.SubmitQuality(ctx, verifier, 42, 80, "")
		assert.Error(t, err)
	})

	t.Run("MissingVerification", func(t *testing.T) {
		svc := newTestService(newMockStore())

		_, err := svc.QualityVerification(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubmitTraining(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsAndEarnsReputation", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)

		err := svc.SubmitTraining(ctx, trainer, 42, "model-1", `{"accuracy":0.93}`, "proof-1")
		require.NoError(t, err)

		v, err := svc.TrainingVerification(ctx, 42, trainer)
		require.NoError(t, err)
		assert.Equal(t, "model-1", v.ModelHash)

		score, _ := svc.Reputation(ctx, trainer)
		assert.Equal(t, int64(1), score)
	})

	t.Run("OnePerDatasetTrainerPair", func(t *testing.T) {
		svc := newTestService(newMockStore())

		require.NoError(t, svc.SubmitTraining(ctx, trainer, 42, "model-1", "{}", ""))

		err := svc.SubmitTraining(ctx, trainer, 42, "model-2", "{}", "")
		assert.ErrorIs(t, err, ErrAlreadyVerified)

		// A different trainer on the same dataset is fine.
		assert.NoError(t, svc.SubmitTraining(ctx, verifier, 42, "model-3", "{}", ""))
	})

	t.Run("RejectsEmptyFields", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.SubmitTraining(ctx, trainer, 42, "", "{}", ""), ErrEmptyModelHash)
		assert.ErrorIs(t, svc.SubmitTraining(ctx, trainer, 42, "model-1", "", ""), ErrEmptyMetrics)
	})
}

func TestRequestOracle(t *testing.T) {
	ctx := context.Background()

	t.Run("CollectsFee", func(t *testing.T) {
		store := newMockStore()
		store.fund(verifier, 100)
		svc := newTestService(store)

		id, err := svc.RequestOracle(ctx, verifier, 42, "schema matches listing")
		require.NoError(t, err)
		assert.NotZero(t, id)

		// Default fee is 10.
		assert.Equal(t, int64(90), store.balances[verifier])
		assert.Equal(t, int64(10), store.balances[custody])

		r, err := svc.OracleRequest(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.Paid)
		assert.False(t, r.Completed)
	})

	t.Run("RequiresAllowance", func(t *testing.T) {
		store := newMockStore()
		store.balances[verifier] = 100
		svc := newTestService(store)

		_, err := svc.RequestOracle(ctx, verifier, 42, "q")
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
	})

	t.Run("ZeroFeeSkipsCollection", func(t *testing.T) {
		store := newMockStore()
		svc := newTestService(store)
		require.NoError(t, svc.SetFee(ctx, true, 0))

		// No funds and no allowance, yet the request goes through.
		id, err := svc.RequestOracle(ctx, verifier, 42, "q")
		require.NoError(t, err)
		assert.NotZero(t, id)
	})
}

func TestSubmitOracleResponse(t *testing.T) {
	ctx := context.Background()

	openRequest := func(t *testing.T) (*mockStore, Service, int64) {
		t.Helper()
		store := newMockStore()
		store.fund(verifier, 100)
		svc := newTestService(store)
		id, err := svc.RequestOracle(ctx, verifier, 42, "q")
		require.NoError(t, err)
		return store, svc, id
	}

	t.Run("Completes", func(t *testing.T) {
		_, svc, id := openRequest(t)

		require.NoError(t, svc.SubmitOracleResponse(ctx, true, id, []byte("verified")))

		r, err := svc.OracleRequest(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.Completed)
		assert.Equal(t, []byte("verified"), r.Response)
	})

	t.Run("RequiresAdmin", func(t *testing.T) {
		_, svc, id := openRequest(t)

		err := svc.SubmitOracleResponse(ctx, false, id, []byte("verified"))
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("ExactlyOnce", func(t *testing.T) {
		_, svc, id := openRequest(t)

		require.NoError(t, svc.SubmitOracleResponse(ctx, true, id, []byte("first")))

		err := svc.SubmitOracleResponse(ctx, true, id, []byte("second"))
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
	})

	t.Run("MissingRequest", func(t *testing.T) {
		_, svc, _ := openRequest(t)

		err := svc.SubmitOracleResponse(ctx, true, 9999, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReputationAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("RewardAndPenalize", func(t *testing.T) {
		svc := newTestService(newMockStore())

		require.NoError(t, svc.Reward(ctx, true, verifier, 5))
		require.NoError(t, svc.Penalize(ctx, true, verifier, 2))

		score, err := svc.Reputation(ctx, verifier)
		require.NoError(t, err)
		assert.Equal(t, int64(3), score)
	})

	t.Run("PenalizeNeverBelowZero", func(t *testing.T) {
		svc := newTestService(newMockStore())

		require.NoError(t, svc.Reward(ctx, true, verifier, 2))

		err := svc.Penalize(ctx, true, verifier, 5)
		assert.ErrorIs(t, err, ErrReputationFloor)

		score, _ := svc.Reputation(ctx, verifier)
		assert.Equal(t, int64(2), score)
	})

	t.Run("RequireAdmin", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.Reward(ctx, false, verifier, 1), ErrForbidden)
		assert.ErrorIs(t, svc.Penalize(ctx, false, verifier, 1), ErrForbidden)
	})

	t.Run("ValidatesAddress", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.Error(t, svc.Reward(ctx, true, "not-an-address", 1))
	})
}

func TestSetFee(t *testing.T) {
	ctx := context.Background()

	t.Run("UpdatesFee", func(t *testing.T) {
		store := newMockStore()
		store.fund(verifier, 100)
		svc := newTestService(store)

		require.NoError(t, svc.SetFee(ctx, true, 25))

		_, err := svc.RequestOracle(ctx, verifier, 42, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(75), store.balances[verifier])
	})

	t.Run("RejectsNegative", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.SetFee(ctx, true, -1), ErrInvalidFee)
	})

	t.Run("RequiresAdmin", func(t *testing.T) {
		svc := newTestService(newMockStore())

		assert.ErrorIs(t, svc.SetFee(ctx, false, 5), ErrForbidden)
	})
}

func TestCounts(t *testing.T) {
	ctx := context.Background()

	store := newMockStore()
	svc := newTestService(store)

	_, err := svc.SubmitQuality(ctx, verifier, 1, 80, "h")
	require.NoError(t, err)
	require.NoError(t, svc.SubmitTraining(ctx, trainer, 1, "m", "{}", ""))
	require.NoError(t, svc.SubmitTraining(ctx, trainer, 2, "m", "{}", ""))

	quality, training, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), quality)
	assert.Equal(t, int64(2), training)
}
