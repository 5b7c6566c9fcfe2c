package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/paygate/internal/chain"
	"github.com/example/paygate/internal/clock"
	"github.com/example/paygate/internal/content"
	"github.com/example/paygate/internal/ident"
	"github.com/example/paygate/internal/model"
	"github.com/example/paygate/internal/policy"
	"github.com/example/paygate/internal/store"
)

// scriptedVerifier returns queued verdicts in order, repeating the last
// one. A nil error and invalid verdict simulates a rejected payment; a
// non-nil error simulates RPC trouble.
type scriptedVerifier struct {
	mu       sync.Mutex
	verdicts []model.VerificationResult
	errs     []error
	calls    int
}

func (s *scriptedVerifier) Verify(_ context.Context, _ *model.PaymentChallenge, proof model.TransactionProof) (model.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.verdicts) {
		i = len(s.verdicts) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.verdicts[i], err
}

func acceptAll() *scriptedVerifier {
	return &scriptedVerifier{verdicts: []model.VerificationResult{{Valid: true}}}
}

type fixture struct {
	eng   *Engine
	mem   *store.Mem
	clk   *clock.Fake
	verif *scriptedVerifier
}

func newFixture(t *testing.T, verif *scriptedVerifier) *fixture {
	t.Helper()
	mem := store.NewMem()
	clk := clock.NewFake(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC))
	eng := New(Config{
		ChallengeTTL:       10 * time.Minute,
		SessionTTL:         24 * time.Hour,
		CostPerUnlock:      1,
		CreditsPerPurchase: 10,
		Currency:           "USD",
		PayTo:              "0x000000000000000000000000000000000000dEaD",
	}, Deps{
		Challenges: mem,
		Receipts:   mem,
		Sessions:   mem,
		Usage:      mem,
		TxRefs:     mem,
		Policies:   mem,
		Articles:   content.NewMem(content.SampleArticles()...),
		Verifier:   verif,
		Clock:      clk,
		IDs:        &ident.Seq{},
	})
	return &fixture{eng: eng, mem: mem, clk: clk, verif: verif}
}

func proof(ref string) model.TransactionProof {
	return model.TransactionProof{TransactionRef: ref, PayerAddress: "0xpayer"}
}

func TestIssueChallenge(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, ch.Status)
	assert.Equal(t, "article-1", ch.ResourceID)
	assert.Equal(t, int64(50), ch.AmountCents)
	assert.Equal(t, int64(10), ch.CreditsOffered)
	assert.Equal(t, f.clk.Now().Add(10*time.Minute), ch.ExpiresAt)
	// 50 cents at six asset decimals
	assert.Equal(t, "500000", ch.AmountBaseUnits)

	_, err = f.eng.IssueChallenge("no-such-article", 0)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestIssueTransferChallenge(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueTransferChallenge("0xrecipient", 125, "")
	require.NoError(t, err)
	assert.Equal(t, "transfer:0xrecipient", ch.ResourceID)
	assert.Equal(t, int64(125), ch.AmountCents)

	_, err = f.eng.IssueTransferChallenge("", 125, "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = f.eng.IssueTransferChallenge("0xrecipient", 0, "")
	require.ErrorAs(t, err, &ve)
}

func TestGetOrChallengeWithoutSession(t *testing.T) {
	f := newFixture(t, acceptAll())

	_, err := f.eng.GetOrChallenge("article-1", "")
	var pr *PaymentRequiredError
	require.ErrorAs(t, err, &pr)
	assert.Equal(t, "article-1", pr.Challenge.ResourceID)
	assert.Equal(t, model.ChallengePending, pr.Challenge.Status)

	// the challenge is persisted and loadable
	stored, err := f.mem.GetChallenge(pr.Challenge.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestVerifyMintsSessionAndUnlocks(t *testing.T) {
	f := newFixture(t, acceptAll())

	_, err := f.eng.GetOrChallenge("article-1", "")
	var pr *PaymentRequiredError
	require.ErrorAs(t, err, &pr)

	settled, err := f.eng.VerifyAndIssueSession(context.Background(), pr.Challenge.ID, proof("0xtx1"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), settled.Session.Balance)
	assert.Equal(t, model.ReceiptConfirmed, settled.Receipt.Status)
	assert.Equal(t, settled.Session.ID, settled.Receipt.SessionID)

	ch, err := f.mem.GetChallenge(pr.Challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePaid, ch.Status)

	res, err := f.eng.GetOrChallenge("article-1", settled.Session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Article.Body)
	assert.Equal(t, int64(9), res.Session.Balance)
	assert.Equal(t, int64(1), res.Session.AccessCount)
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	first, err := f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	second, err := f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	require.NoError(t, err)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	// no double credit
	assert.Equal(t, int64(10), second.Session.Balance)
	// the verifier was only consulted once
	assert.Equal(t, 1, f.verif.calls)
}

func TestVerifyRejectsReusedTransactionRef(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch1, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	ch2, err := f.eng.IssueChallenge("article-2", 0)
	require.NoError(t, err)

	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch1.ID, proof("0xshared"), "")
	require.NoError(t, err)

	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch2.ID, proof("0xshared"), "")
	var ip *InvalidPaymentError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, ReasonTxAlreadyUsed, ip.Reason)

	// the losing challenge is still pending and can settle with a
	// different transaction
	stored, err := f.mem.GetChallenge(ch2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, stored.Status)
	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch2.ID, proof("0xother"), "")
	require.NoError(t, err)
}

func TestVerifyConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	const n = 16
	results := make([]*Settlement, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0].Receipt.ID, results[i].Receipt.ID)
		assert.Equal(t, results[0].Session.ID, results[i].Session.ID)
	}
	sess, err := f.mem.GetSession(results[0].Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sess.Balance)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	f.clk.Advance(11 * time.Minute)

	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	var ip *InvalidPaymentError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, ReasonChallengeExpired, ip.Reason)
	// the verifier is never consulted for an expired challenge
	assert.Equal(t, 0, f.verif.calls)

	// lazy expiry marked the stored record
	stored, err := f.mem.GetChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeExpired, stored.Status)
}

func TestVerifyInvalidVerdictKeepsChallengePending(t *testing.T) {
	verif := &scriptedVerifier{verdicts: []model.VerificationResult{
		{Valid: false, FailureReason: chain.ReasonInsufficientAmount, FailureDetail: "expected 500000, got 1"},
		{Valid: true},
	}}
	f := newFixture(t, verif)

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xcheap"), "")
	var ip *InvalidPaymentError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, chain.ReasonInsufficientAmount, ip.Reason)

	stored, err := f.mem.GetChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, stored.Status)

	// nothing was claimed; the correct payment settles the challenge
	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xproper"), "")
	require.NoError(t, err)
}

func TestVerifyTransientErrorIsInternal(t *testing.T) {
	verif := &scriptedVerifier{
		verdicts: []model.VerificationResult{{}},
		errs:     []error{errors.New("rpc timeout")},
	}
	f := newFixture(t, verif)

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	_, err = f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
}

func TestVerifyTopsUpExistingSession(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch1, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	first, err := f.eng.VerifyAndIssueSession(context.Background(), ch1.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	ch2, err := f.eng.IssueChallenge("article-2", 0)
	require.NoError(t, err)
	second, err := f.eng.VerifyAndIssueSession(context.Background(), ch2.ID, proof("0xtx2"), first.Session.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, int64(20), second.Session.Balance)
}

func TestVerifyExpiredSessionForfeitsCredits(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch1, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	first, err := f.eng.VerifyAndIssueSession(context.Background(), ch1.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)

	ch2, err := f.eng.IssueChallenge("article-2", 0)
	require.NoError(t, err)
	second, err := f.eng.VerifyAndIssueSession(context.Background(), ch2.ID, proof("0xtx2"), first.Session.ID)
	require.NoError(t, err)

	// a fresh session with only the new purchase's credits
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, int64(10), second.Session.Balance)
}

func TestBalanceExhaustionIssuesNewChallenge(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	settled, err := f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	sid := settled.Session.ID
	for i := 0; i < 10; i++ {
		_, err := f.eng.GetOrChallenge("article-1", sid)
		require.NoError(t, err)
	}

	_, err = f.eng.GetOrChallenge("article-1", sid)
	var pr *PaymentRequiredError
	require.ErrorAs(t, err, &pr)

	sess, err := f.mem.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Balance)
	assert.Equal(t, int64(10), sess.AccessCount)
}

func TestExpiredSessionAccess(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	settled, err := f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)

	_, err = f.eng.GetOrChallenge("article-1", settled.Session.ID)
	var se *SessionExpiredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, settled.Session.ID, se.TokenID)

	_, err = f.eng.Session(settled.Session.ID)
	require.ErrorAs(t, err, &se)
}

func TestDebit(t *testing.T) {
	f := newFixture(t, acceptAll())

	ch, err := f.eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)
	settled, err := f.eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xtx1"), "")
	require.NoError(t, err)

	sess, err := f.eng.Debit(settled.Session.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), sess.Balance)

	_, err = f.eng.Debit(settled.Session.ID, 7)
	var ic *InsufficientCreditsError
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, int64(7), ic.Required)
	assert.Equal(t, int64(6), ic.Available)

	var ve *ValidationError
	_, err = f.eng.Debit(settled.Session.ID, 0)
	require.ErrorAs(t, err, &ve)
}

func TestCheckSpendUsesStoredPolicyAndUsage(t *testing.T) {
	f := newFixture(t, acceptAll())

	// default policy applies until one is stored
	d, err := f.eng.CheckSpend(model.SubjectAgent, "a1", 100, "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, f.eng.SetPolicy(model.SubjectAgent, "a1", model.SpendPolicy{
		MaxPerActionCents: 50,
		DailyCapCents:     120,
	}))

	_, err = f.eng.CheckSpend(model.SubjectAgent, "a1", 100, "", "")
	var pv *PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, policy.ReasonMaxPerAction, pv.Reason)
	assert.Equal(t, "agent:a1", pv.Subject)

	// recorded spend counts toward the daily cap
	total, err := f.eng.RecordSpend(model.SubjectAgent, "a1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	_, err = f.eng.CheckSpend(model.SubjectAgent, "a1", 30, "", "")
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, policy.ReasonDailyCap, pv.Reason)
	assert.Equal(t, int64(130), pv.AttemptedCents)

	// the window resets at the UTC day boundary
	f.clk.Advance(24 * time.Hour)
	d, err = f.eng.CheckSpend(model.SubjectAgent, "a1", 30, "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckSpendKeepsUserAndAgentLedgersApart(t *testing.T) {
	f := newFixture(t, acceptAll())

	_, err := f.eng.RecordSpend(model.SubjectUser, "same-id", 1500)
	require.NoError(t, err)

	require.NoError(t, f.eng.SetPolicy(model.SubjectAgent, "same-id", model.SpendPolicy{
		MaxPerActionCents: 500,
		DailyCapCents:     1000,
	}))
	d, err := f.eng.CheckSpend(model.SubjectAgent, "same-id", 400, "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSetPolicyValidates(t *testing.T) {
	f := newFixture(t, acceptAll())

	err := f.eng.SetPolicy(model.SubjectUser, "u1", model.SpendPolicy{MaxPerActionCents: -1})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "maxPerActionCents", ve.Field)
}

// flakySessionStore fails a set number of CreateSession calls before
// delegating, simulating transient store trouble mid settlement.
type flakySessionStore struct {
	store.SessionStore
	failures int
}

func (f *flakySessionStore) CreateSession(s *model.SessionToken) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.SessionStore.CreateSession(s)
}

func TestVerifyRetryCompletesInterruptedSettlement(t *testing.T) {
	mem := store.NewMem()
	flaky := &flakySessionStore{SessionStore: mem, failures: 1}
	verif := acceptAll()
	eng := New(Config{
		ChallengeTTL:       10 * time.Minute,
		SessionTTL:         24 * time.Hour,
		CostPerUnlock:      1,
		CreditsPerPurchase: 10,
		Currency:           "USD",
	}, Deps{
		Challenges: mem,
		Receipts:   mem,
		Sessions:   flaky,
		Usage:      mem,
		TxRefs:     mem,
		Policies:   mem,
		Articles:   content.NewMem(content.SampleArticles()...),
		Verifier:   verif,
		Clock:      clock.NewFake(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)),
		IDs:        &ident.Seq{},
	})

	ch, err := eng.IssueChallenge("article-1", 0)
	require.NoError(t, err)

	_, err = eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xref-interrupted"), "")
	var ie *InternalError
	require.ErrorAs(t, err, &ie)

	// the receipt committed before the session write failed
	rcpt, err := mem.GetReceiptByChallenge(ch.ID)
	require.NoError(t, err)
	require.NotNil(t, rcpt)

	settled, err := eng.VerifyAndIssueSession(context.Background(), ch.ID, proof("0xref-interrupted"), "")
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, settled.Receipt.ID)
	assert.Equal(t, rcpt.SessionID, settled.Session.ID)
	assert.Equal(t, int64(10), settled.Session.Balance)

	// the retry finished the first attempt's writes instead of running
	// settlement again: no second verification, no second session
	assert.Equal(t, 1, verif.calls)
	got, err := mem.GetChallenge(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePaid, got.Status)
}

func TestConfigDefaultsRejectSubCentAssetDecimals(t *testing.T) {
	// one-decimal assets cannot carry cent-denominated prices; the
	// engine falls back to the six-decimal default
	cfg := Config{AssetDecimals: 1}.withDefaults()
	assert.Equal(t, int32(6), cfg.AssetDecimals)

	cfg = Config{AssetDecimals: 2}.withDefaults()
	assert.Equal(t, int32(2), cfg.AssetDecimals)
}
