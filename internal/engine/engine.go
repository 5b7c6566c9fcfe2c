// Package engine orchestrates challenges, verification, sessions and
// spend policy. Every operation returns one of the typed errors in
// errors.go; callers discriminate with errors.As.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/example/paygate/internal/chain"
	"github.com/example/paygate/internal/clock"
	"github.com/example/paygate/internal/content"
	"github.com/example/paygate/internal/ident"
	"github.com/example/paygate/internal/model"
	"github.com/example/paygate/internal/policy"
	"github.com/example/paygate/internal/store"
)

// Config carries the pricing and lifetime knobs of the engine.
type Config struct {
	ChallengeTTL       time.Duration // default 10m
	SessionTTL         time.Duration // default 24h
	CostPerUnlock      int64         // credits consumed per article unlock, default 1
	CreditsPerPurchase int64         // credits granted per settled challenge, default 10
	Currency           string
	ChainName          string
	ChainID            int64
	PayTo              string
	AssetType          model.AssetType
	AssetSymbol        string
	AssetDecimals      int32 // base-unit decimals of the settlement asset
}

func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 10 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.CostPerUnlock <= 0 {
		c.CostPerUnlock = 1
	}
	if c.CreditsPerPurchase <= 0 {
		c.CreditsPerPurchase = 10
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.AssetType == "" {
		c.AssetType = model.AssetToken
	}
	// prices are minor currency units, so the base-unit conversion in
	// baseUnits assumes at least two decimals
	if c.AssetDecimals < 2 {
		c.AssetDecimals = 6 // USDC-style
	}
	return c
}

// Deps are the injected collaborators. Every field is an interface so
// tests swap in doubles.
type Deps struct {
	Challenges store.ChallengeStore
	Receipts   store.ReceiptStore
	Sessions   store.SessionStore
	Usage      store.UsageStore
	TxRefs     store.TxRefStore
	Policies   store.PolicyStore
	Articles   content.Store
	Verifier   chain.Verifier
	Clock      clock.Clock
	IDs        ident.Generator
}

// Engine is the challenge/verification/session/policy core.
type Engine struct {
	cfg    Config
	deps   Deps
	settle *keyedMutex
}

// New wires an engine. Nil Clock/IDs fall back to the system
// implementations.
func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.IDs == nil {
		deps.IDs = ident.UUID{}
	}
	return &Engine{cfg: cfg.withDefaults(), deps: deps, settle: newKeyedMutex()}
}

// AccessResult is a granted unlock: the full article plus the charged
// session.
type AccessResult struct {
	Article *model.Article
	Session *model.SessionToken
}

// Settlement is the outcome of a successful (or idempotently repeated)
// verification.
type Settlement struct {
	Receipt *model.Receipt
	Session *model.SessionToken
}

// IssueChallenge creates and persists a pending challenge for a
// resource. validity <= 0 uses the configured default window.
func (e *Engine) IssueChallenge(resourceID string, validity time.Duration) (*model.PaymentChallenge, error) {
	art, err := e.deps.Articles.GetArticle(resourceID)
	if err != nil {
		return nil, internal("looking up article", err)
	}
	if art == nil {
		return nil, &NotFoundError{Kind: "article", ID: resourceID}
	}
	desc := fmt.Sprintf("Unlock %q (%d credits)", art.Title, e.cfg.CreditsPerPurchase)
	return e.createChallenge(resourceID, art.PriceCents, desc, validity)
}

// IssueTransferChallenge creates a challenge for a direct transfer
// instead of a catalogue resource (remittance-style settlement).
func (e *Engine) IssueTransferChallenge(target string, amountCents int64, description string) (*model.PaymentChallenge, error) {
	if target == "" {
		return nil, &ValidationError{Field: "target", Reason: "required"}
	}
	if amountCents <= 0 {
		return nil, &ValidationError{Field: "amountCents", Reason: "must be positive"}
	}
	if description == "" {
		description = fmt.Sprintf("Transfer of %d minor units to %s", amountCents, target)
	}
	ch, err := e.createChallenge("transfer:"+target, amountCents, description, 0)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (e *Engine) createChallenge(resourceID string, amountCents int64, description string, validity time.Duration) (*model.PaymentChallenge, error) {
	if validity <= 0 {
		validity = e.cfg.ChallengeTTL
	}
	now := e.deps.Clock.Now()
	ch := &model.PaymentChallenge{
		ID:              e.deps.IDs.NewID(ident.PrefixChallenge),
		ResourceID:      resourceID,
		AmountCents:     amountCents,
		Currency:        e.cfg.Currency,
		ChainName:       e.cfg.ChainName,
		ChainID:         e.cfg.ChainID,
		Description:     description,
		PayTo:           e.cfg.PayTo,
		AssetType:       e.cfg.AssetType,
		AssetSymbol:     e.cfg.AssetSymbol,
		AmountBaseUnits: e.baseUnits(amountCents),
		CreditsOffered:  e.cfg.CreditsPerPurchase,
		CreatedAt:       now,
		ExpiresAt:       now.Add(validity),
		Status:          model.ChallengePending,
	}
	if err := e.deps.Challenges.CreateChallenge(ch); err != nil {
		return nil, internal("persisting challenge", err)
	}
	return ch, nil
}

// baseUnits converts minor currency units to the settlement asset's
// base unit as an integer string. Arbitrary precision throughout; no
// floats.
func (e *Engine) baseUnits(cents int64) string {
	n := big.NewInt(cents)
	if exp := int64(e.cfg.AssetDecimals) - 2; exp > 0 {
		n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil))
	}
	return n.String()
}

// GetOrChallenge is the access-gating entry point. It either unlocks
// the article against the session's credit balance or fails with a
// typed signal carrying a fresh challenge. Charging and granting are a
// single step: the store-side consume is atomic.
func (e *Engine) GetOrChallenge(resourceID, sessionID string) (*AccessResult, error) {
	art, err := e.deps.Articles.GetArticle(resourceID)
	if err != nil {
		return nil, internal("looking up article", err)
	}
	if art == nil {
		return nil, &NotFoundError{Kind: "article", ID: resourceID}
	}

	if sessionID == "" {
		return nil, e.paymentRequired(resourceID, art)
	}
	sess, err := e.deps.Sessions.GetSession(sessionID)
	if err != nil {
		return nil, internal("loading session", err)
	}
	if sess == nil {
		// a vanished session is "never paid", not a distinct error
		return nil, e.paymentRequired(resourceID, art)
	}
	if sess.ExpiredAtTime(e.deps.Clock.Now()) {
		return nil, &SessionExpiredError{TokenID: sess.ID, ExpiredAt: sess.ExpiresAt}
	}
	if sess.Balance < e.cfg.CostPerUnlock {
		return nil, e.paymentRequired(resourceID, art)
	}

	charged, err := e.deps.Sessions.ConsumeCredits(sessionID, e.cfg.CostPerUnlock)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			// lost a race with a concurrent consume
			return nil, e.paymentRequired(resourceID, art)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.paymentRequired(resourceID, art)
		}
		return nil, internal("consuming credits", err)
	}
	return &AccessResult{Article: art, Session: charged}, nil
}

func (e *Engine) paymentRequired(resourceID string, art *model.Article) error {
	desc := fmt.Sprintf("Unlock %q (%d credits)", art.Title, e.cfg.CreditsPerPurchase)
	ch, err := e.createChallenge(resourceID, art.PriceCents, desc, 0)
	if err != nil {
		return err
	}
	return &PaymentRequiredError{Challenge: ch}
}

// VerifyAndIssueSession settles a challenge: it verifies the proof on
// chain, records the receipt, claims the transaction reference and
// mints (or tops up) a session. Safe to retry; all attempts for one
// challenge are serialized.
func (e *Engine) VerifyAndIssueSession(ctx context.Context, challengeID string, proof model.TransactionProof, existingSessionID string) (*Settlement, error) {
	if challengeID == "" {
		return nil, &ValidationError{Field: "challengeId", Reason: "required"}
	}
	txRef := proof.TransactionRef
	if txRef == "" {
		txRef = proof.TxHash
	}

	unlock := e.settle.lock(challengeID)
	defer unlock()

	ch, err := e.deps.Challenges.GetChallenge(challengeID)
	if err != nil {
		return nil, internal("loading challenge", err)
	}
	if ch == nil {
		return nil, &NotFoundError{Kind: "challenge", ID: challengeID}
	}

	// Idempotent retry: a settled challenge returns its receipt and
	// session unchanged, finishing any write an interrupted earlier
	// attempt left undone.
	if rcpt, err := e.deps.Receipts.GetReceiptByChallenge(challengeID); err != nil {
		return nil, internal("loading receipt", err)
	} else if rcpt != nil {
		return e.finishSettlement(ch, rcpt)
	}

	now := e.deps.Clock.Now()
	if ch.Status == model.ChallengeExpired || ch.ExpiredAtTime(now) {
		if ch.Status == model.ChallengePending {
			// lazy expiry on the read path
			if err := e.deps.Challenges.SetChallengeStatus(challengeID, model.ChallengeExpired); err != nil {
				return nil, internal("expiring challenge", err)
			}
		}
		return nil, &InvalidPaymentError{ChallengeID: challengeID, Reason: ReasonChallengeExpired, Detail: "challenge expired"}
	}
	if ch.Status != model.ChallengePending {
		return nil, internal("settling challenge", fmt.Errorf("challenge %s is %s but has no receipt", challengeID, ch.Status))
	}

	if txRef != "" {
		owner, err := e.deps.TxRefs.TxRefOwner(txRef)
		if err != nil {
			return nil, internal("checking transaction reference", err)
		}
		if owner != "" && owner != challengeID {
			return nil, &InvalidPaymentError{ChallengeID: challengeID, Reason: ReasonTxAlreadyUsed, Detail: "transaction already used"}
		}
	}

	verdict, err := e.deps.Verifier.Verify(ctx, ch, proof)
	if err != nil {
		return nil, internal("verifying payment", err)
	}
	if !verdict.Valid {
		// the challenge stays pending; the client may retry with a
		// confirmed transaction before expiry
		return nil, &InvalidPaymentError{ChallengeID: challengeID, Reason: verdict.FailureReason, Detail: verdict.FailureDetail}
	}

	if txRef != "" {
		if err := e.deps.TxRefs.ClaimTxRef(txRef, challengeID); err != nil {
			if errors.Is(err, store.ErrTxRefUsed) {
				return nil, &InvalidPaymentError{ChallengeID: challengeID, Reason: ReasonTxAlreadyUsed, Detail: "transaction already used"}
			}
			return nil, internal("claiming transaction reference", err)
		}
	}

	// Resolve where the credits land before the receipt is written.
	// Expired or vanished sessions forfeit their credits; the payment
	// mints a fresh token.
	var sessionID string
	sessionExpiry := now.Add(e.cfg.SessionTTL)
	topup := false
	if existingSessionID != "" {
		prior, err := e.deps.Sessions.GetSession(existingSessionID)
		if err != nil {
			return nil, internal("loading session", err)
		}
		if prior != nil && !prior.ExpiredAtTime(now) {
			sessionID = prior.ID
			sessionExpiry = prior.ExpiresAt
			topup = true
		}
	}
	if !topup {
		sessionID = e.deps.IDs.NewID(ident.PrefixSession)
	} else {
		// top-ups grant credits before the receipt: the receipt is the
		// durable settlement marker, and a paid top-up must not be lost
		// to a crash between the two writes
		if _, err := e.deps.Sessions.AddCredits(sessionID, ch.CreditsOffered); err != nil {
			return nil, internal("adding credits", err)
		}
	}

	rcpt := &model.Receipt{
		ID:             e.deps.IDs.NewID(ident.PrefixReceipt),
		ChallengeID:    ch.ID,
		ResourceID:     ch.ResourceID,
		SessionID:      sessionID,
		AmountCents:    ch.AmountCents,
		Currency:       ch.Currency,
		TransactionRef: txRef,
		VerifiedAt:     verdict.VerifiedAt,
		ExpiresAt:      sessionExpiry,
		Credits:        ch.CreditsOffered,
		Status:         model.ReceiptConfirmed,
	}
	if err := e.deps.Receipts.CreateReceipt(rcpt); err != nil {
		if errors.Is(err, store.ErrDuplicateReceipt) {
			// another worker settled first; fall back to its result
			existing, gerr := e.deps.Receipts.GetReceiptByChallenge(ch.ID)
			if gerr != nil || existing == nil {
				return nil, internal("reloading receipt", gerr)
			}
			return e.finishSettlement(ch, existing)
		}
		return nil, internal("persisting receipt", err)
	}
	return e.finishSettlement(ch, rcpt)
}

// finishSettlement turns a committed receipt into the caller-visible
// settlement. New sessions are written only after the receipt, so this
// also completes what an interrupted attempt left undone: a missing
// session is created from the receipt and a still-pending challenge is
// marked paid.
func (e *Engine) finishSettlement(ch *model.PaymentChallenge, rcpt *model.Receipt) (*Settlement, error) {
	sess, err := e.deps.Sessions.GetSession(rcpt.SessionID)
	if err != nil {
		return nil, internal("loading session", err)
	}
	if sess == nil {
		created := rcpt.VerifiedAt
		if created.IsZero() {
			created = e.deps.Clock.Now()
		}
		sess = &model.SessionToken{
			ID:        rcpt.SessionID,
			Balance:   rcpt.Credits,
			Currency:  rcpt.Currency,
			CreatedAt: created,
			ExpiresAt: rcpt.ExpiresAt,
		}
		if err := e.deps.Sessions.CreateSession(sess); err != nil {
			return nil, internal("persisting session", err)
		}
	}
	if ch.Status == model.ChallengePending {
		if err := e.deps.Challenges.SetChallengeStatus(ch.ID, model.ChallengePaid); err != nil {
			return nil, internal("marking challenge paid", err)
		}
	}
	return &Settlement{Receipt: rcpt, Session: sess}, nil
}

// Session loads a session for introspection. Expired sessions surface
// as SessionExpiredError.
func (e *Engine) Session(id string) (*model.SessionToken, error) {
	sess, err := e.deps.Sessions.GetSession(id)
	if err != nil {
		return nil, internal("loading session", err)
	}
	if sess == nil {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	if sess.ExpiredAtTime(e.deps.Clock.Now()) {
		return nil, &SessionExpiredError{TokenID: sess.ID, ExpiredAt: sess.ExpiresAt}
	}
	return sess, nil
}

// Debit consumes credits from a session without granting catalogue
// content, used by the embeddable widget's unlock flow. Fails with
// InsufficientCreditsError instead of issuing a challenge.
func (e *Engine) Debit(sessionID string, credits int64) (*model.SessionToken, error) {
	if credits <= 0 {
		return nil, &ValidationError{Field: "credits", Reason: "must be positive"}
	}
	sess, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}
	charged, err := e.deps.Sessions.ConsumeCredits(sessionID, credits)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return nil, &InsufficientCreditsError{Required: credits, Available: sess.Balance}
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Kind: "session", ID: sessionID}
		}
		return nil, internal("consuming credits", err)
	}
	return charged, nil
}

// CheckSpend evaluates a proposed spend against the subject's policy
// and current daily usage. Denials return both the decision and a
// PolicyViolationError for the edge to map.
func (e *Engine) CheckSpend(kind model.SubjectKind, id string, amountCents int64, origin, path string) (policy.Decision, error) {
	if amountCents < 0 {
		return policy.Decision{}, &ValidationError{Field: "amountCents", Reason: "must be non-negative"}
	}
	subject := model.SubjectID(kind, id)
	pol, err := e.policyFor(subject)
	if err != nil {
		return policy.Decision{}, err
	}
	daily, err := e.deps.Usage.DailySpend(subject, policy.DayKey(e.deps.Clock.Now()))
	if err != nil {
		return policy.Decision{}, internal("reading daily spend", err)
	}
	d := policy.Decide(pol, policy.Request{
		AmountCents:     amountCents,
		DailySpentCents: daily,
		Origin:          origin,
		Path:            path,
	})
	if !d.Allowed {
		return d, &PolicyViolationError{
			Subject:        subject,
			Reason:         d.Reason,
			LimitCents:     d.LimitCents,
			AttemptedCents: d.AttemptedCents,
		}
	}
	return d, nil
}

// RecordSpend adds a completed spend to the subject's daily usage and
// returns the new daily total.
func (e *Engine) RecordSpend(kind model.SubjectKind, id string, amountCents int64) (int64, error) {
	if amountCents < 0 {
		return 0, &ValidationError{Field: "amountCents", Reason: "must be non-negative"}
	}
	subject := model.SubjectID(kind, id)
	total, err := e.deps.Usage.AddSpend(subject, policy.DayKey(e.deps.Clock.Now()), amountCents)
	if err != nil {
		return 0, internal("recording spend", err)
	}
	return total, nil
}

// PolicyFor returns the subject's policy, falling back to the default.
func (e *Engine) PolicyFor(kind model.SubjectKind, id string) (model.SpendPolicy, error) {
	return e.policyFor(model.SubjectID(kind, id))
}

func (e *Engine) policyFor(subject string) (model.SpendPolicy, error) {
	pol, err := e.deps.Policies.GetPolicy(subject)
	if err != nil {
		return model.SpendPolicy{}, internal("loading policy", err)
	}
	if pol == nil {
		return policy.Default(), nil
	}
	return *pol, nil
}

// SetPolicy replaces the subject's policy in full. There are no
// partial updates.
func (e *Engine) SetPolicy(kind model.SubjectKind, id string, p model.SpendPolicy) error {
	if field, ok := policy.Validate(p); !ok {
		return &ValidationError{Field: field, Reason: "must be non-negative"}
	}
	if err := e.deps.Policies.PutPolicy(model.SubjectID(kind, id), p); err != nil {
		return internal("storing policy", err)
	}
	return nil
}
