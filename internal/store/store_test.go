package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/paygate/internal/model"
)

// The memory and sqlite adapters must behave identically; both run the
// same conformance suite.
func adapters(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMem(),
		"sqlite": sq,
	}
}

func forEachAdapter(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func sampleChallenge(id string) *model.PaymentChallenge {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	return &model.PaymentChallenge{
		ID:              id,
		ResourceID:      "article-1",
		AmountCents:     50,
		Currency:        "USD",
		ChainName:       "base-sepolia",
		ChainID:         84532,
		Description:     "unlock",
		PayTo:           "0xdead",
		AssetType:       model.AssetToken,
		AssetSymbol:     "USDC",
		AmountBaseUnits: "500000",
		CreditsOffered:  10,
		CreatedAt:       now,
		ExpiresAt:       now.Add(10 * time.Minute),
		Status:          model.ChallengePending,
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		want := sampleChallenge("ch_1")
		require.NoError(t, s.CreateChallenge(want))

		got, err := s.GetChallenge("ch_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.AmountBaseUnits, got.AmountBaseUnits)
		assert.Equal(t, want.Status, got.Status)
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

		absent, err := s.GetChallenge("ch_nope")
		require.NoError(t, err)
		assert.Nil(t, absent)

		require.NoError(t, s.SetChallengeStatus("ch_1", model.ChallengePaid))
		got, err = s.GetChallenge("ch_1")
		require.NoError(t, err)
		assert.Equal(t, model.ChallengePaid, got.Status)

		assert.ErrorIs(t, s.SetChallengeStatus("ch_nope", model.ChallengePaid), ErrNotFound)
	})
}

func TestReceiptUniquePerChallenge(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateChallenge(sampleChallenge("ch_1")))
		now := time.Date(2026, 9, 1, 12, 5, 0, 0, time.UTC)
		r := &model.Receipt{
			ID: "rcpt_1", ChallengeID: "ch_1", ResourceID: "article-1", SessionID: "sess_1",
			AmountCents: 50, Currency: "USD", TransactionRef: "0xabc",
			VerifiedAt: now, ExpiresAt: now.Add(24 * time.Hour),
			Credits: 10, Status: model.ReceiptConfirmed,
		}
		require.NoError(t, s.CreateReceipt(r))

		dup := *r
		dup.ID = "rcpt_2"
		assert.ErrorIs(t, s.CreateReceipt(&dup), ErrDuplicateReceipt)

		got, err := s.GetReceiptByChallenge("ch_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "rcpt_1", got.ID)
		assert.Equal(t, "sess_1", got.SessionID)

		absent, err := s.GetReceiptByChallenge("ch_nope")
		require.NoError(t, err)
		assert.Nil(t, absent)
	})
}

func TestSessionCredits(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.CreateSession(&model.SessionToken{
			ID: "sess_1", Balance: 3, Currency: "USD",
			CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
		}))

		got, err := s.ConsumeCredits("sess_1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Balance)
		assert.Equal(t, int64(1), got.AccessCount)

		_, err = s.ConsumeCredits("sess_1", 5)
		assert.ErrorIs(t, err, ErrInsufficientCredits)

		// failed consume changes nothing
		cur, err := s.GetSession("sess_1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), cur.Balance)
		assert.Equal(t, int64(1), cur.AccessCount)

		_, err = s.ConsumeCredits("sess_nope", 1)
		assert.ErrorIs(t, err, ErrNotFound)

		topped, err := s.AddCredits("sess_1", 10)
		require.NoError(t, err)
		assert.Equal(t, int64(12), topped.Balance)

		_, err = s.AddCredits("sess_nope", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeCreditsNeverOverdraws(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.CreateSession(&model.SessionToken{
			ID: "sess_1", Balance: 5, Currency: "USD",
			CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
		}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.ConsumeCredits("sess_1", 1)
			}()
		}
		wg.Wait()

		got, err := s.GetSession("sess_1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Balance)
		assert.Equal(t, int64(5), got.AccessCount)
	})
}

func TestUsageLedger(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		spent, err := s.DailySpend("user:alice", "2026-09-01")
		require.NoError(t, err)
		assert.Equal(t, int64(0), spent)

		total, err := s.AddSpend("user:alice", "2026-09-01", 100)
		require.NoError(t, err)
		assert.Equal(t, int64(100), total)

		total, err = s.AddSpend("user:alice", "2026-09-01", 50)
		require.NoError(t, err)
		assert.Equal(t, int64(150), total)

		// distinct day, distinct counter
		total, err = s.AddSpend("user:alice", "2026-09-02", 25)
		require.NoError(t, err)
		assert.Equal(t, int64(25), total)

		// distinct subject, distinct counter
		total, err = s.AddSpend("agent:alice", "2026-09-01", 10)
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
	})
}

func TestTxRefClaims(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		owner, err := s.TxRefOwner("0xabc")
		require.NoError(t, err)
		assert.Empty(t, owner)

		require.NoError(t, s.ClaimTxRef("0xabc", "ch_1"))
		// idempotent repeat by the same challenge
		require.NoError(t, s.ClaimTxRef("0xabc", "ch_1"))
		// rejected for anyone else
		assert.ErrorIs(t, s.ClaimTxRef("0xabc", "ch_2"), ErrTxRefUsed)

		owner, err = s.TxRefOwner("0xabc")
		require.NoError(t, err)
		assert.Equal(t, "ch_1", owner)
	})
}

func TestTxRefClaimsAreFirstWriterWins(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		const n = 10
		winners := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				winners[i] = s.ClaimTxRef("0xrace", "ch_"+string(rune('a'+i)))
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range winners {
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, ErrTxRefUsed)
			}
		}
		assert.Equal(t, 1, ok)
	})
}

func TestPolicyStore(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		absent, err := s.GetPolicy("agent:a1")
		require.NoError(t, err)
		assert.Nil(t, absent)

		pol := model.SpendPolicy{
			MaxPerActionCents: 500, DailyCapCents: 2000,
			AllowedOrigins: []string{"https://news.example"},
			AllowedPaths:   []string{"/api/**"},
		}
		require.NoError(t, s.PutPolicy("agent:a1", pol))

		got, err := s.GetPolicy("agent:a1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, pol, *got)

		// put replaces in full
		require.NoError(t, s.PutPolicy("agent:a1", model.SpendPolicy{MaxPerActionCents: 1}))
		got, err = s.GetPolicy("agent:a1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MaxPerActionCents)
		assert.Empty(t, got.AllowedOrigins)
	})
}

func TestAgentStore(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
		a := &model.Agent{
			ID: "agt_1", Name: "research-bot", KeyHash: "$2a$10$hash",
			KeyPrefix: "pk_12345",
			Policy:    model.SpendPolicy{MaxPerActionCents: 500, DailyCapCents: 2000},
			CreatedAt: now,
		}
		require.NoError(t, s.CreateAgent(a))

		got, err := s.GetAgent("agt_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "research-bot", got.Name)
		assert.Equal(t, a.Policy, got.Policy)

		absent, err := s.GetAgent("agt_nope")
		require.NoError(t, err)
		assert.Nil(t, absent)

		byPrefix, err := s.GetAgentsByKeyPrefix("pk_12345")
		require.NoError(t, err)
		require.Len(t, byPrefix, 1)
		assert.Equal(t, "agt_1", byPrefix[0].ID)

		none, err := s.GetAgentsByKeyPrefix("pk_other")
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, s.TouchAgent("agt_1", now.Add(time.Hour)))
		got, err = s.GetAgent("agt_1")
		require.NoError(t, err)
		assert.True(t, got.LastUsedAt.Equal(now.Add(time.Hour)))
	})
}
