package engine

import (
	"fmt"
	"time"

	"github.com/example/paygate/internal/model"
)

// Reason codes carried by InvalidPaymentError beyond the chain
// verifier's own failure reasons.
const (
	ReasonChallengeExpired = "challenge_expired"
	ReasonTxAlreadyUsed    = "transaction_already_used"
)

// NotFoundError reports an absent entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// PaymentRequiredError signals that access needs a payment and carries
// the challenge the client should settle.
type PaymentRequiredError struct {
	Challenge *model.PaymentChallenge
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %d %s for %s", e.Challenge.AmountCents, e.Challenge.Currency, e.Challenge.ResourceID)
}

// InvalidPaymentError reports a proof that failed verification. Reason
// is a stable code; Detail carries the specifics (expected/actual
// values and the like).
type InvalidPaymentError struct {
	ChallengeID string
	Reason      string
	Detail      string
}

func (e *InvalidPaymentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invalid payment for challenge %s: %s", e.ChallengeID, e.Detail)
	}
	return fmt.Sprintf("invalid payment for challenge %s: %s", e.ChallengeID, e.Reason)
}

// SessionExpiredError is distinct from PaymentRequiredError: the caller
// should re-authenticate rather than pay against the same mechanism.
type SessionExpiredError struct {
	TokenID   string
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.TokenID, e.ExpiredAt.Format(time.RFC3339))
}

// InsufficientCreditsError reports a consume that would overdraw a
// session.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// PolicyViolationError reports a spend denied by the subject's policy.
type PolicyViolationError struct {
	Subject        string
	Reason         string
	LimitCents     int64
	AttemptedCents int64
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation for %s: %s (limit %d, attempted %d)", e.Subject, e.Reason, e.LimitCents, e.AttemptedCents)
}

// AgentNotAuthorizedError reports a rejected agent credential.
type AgentNotAuthorizedError struct {
	Reason string
}

func (e *AgentNotAuthorizedError) Error() string {
	return "agent not authorized: " + e.Reason
}

// ValidationError reports malformed input before any work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InternalError wraps infrastructure failures (store or RPC) so the
// edge maps them to a 500 without leaking the cause to clients.
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

func internal(op string, cause error) error {
	return &InternalError{Op: op, Cause: cause}
}
