// Package store defines the persistence contracts of the payment core
// and ships three interchangeable adapters: in-memory, SQLite and
// PostgreSQL. Lookups return (nil, nil) when a record is absent.
package store

import (
	"errors"
	"time"

	"github.com/example/paygate/internal/model"
)

var (
	// ErrTxRefUsed is returned when a transaction reference is already
	// claimed by a different challenge.
	ErrTxRefUsed = errors.New("transaction reference already used")
	// ErrInsufficientCredits is returned when a consume would drive a
	// session balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateReceipt is returned when a challenge already has a
	// receipt.
	ErrDuplicateReceipt = errors.New("receipt already exists for challenge")
	// ErrNotFound is returned by mutating operations on absent records.
	ErrNotFound = errors.New("not found")
)

// ChallengeStore persists payment challenges. Challenges are never
// deleted; only their status changes.
type ChallengeStore interface {
	CreateChallenge(c *model.PaymentChallenge) error
	GetChallenge(id string) (*model.PaymentChallenge, error)
	SetChallengeStatus(id string, status model.ChallengeStatus) error
}

// ReceiptStore persists immutable receipts.
type ReceiptStore interface {
	CreateReceipt(r *model.Receipt) error
	GetReceiptByChallenge(challengeID string) (*model.Receipt, error)
}

// SessionStore persists credit-bearing session tokens. ConsumeCredits
// and AddCredits are atomic read-modify-write operations.
type SessionStore interface {
	CreateSession(s *model.SessionToken) error
	GetSession(id string) (*model.SessionToken, error)
	// ConsumeCredits decrements the balance and increments the access
	// count as a single step. Returns ErrInsufficientCredits when the
	// balance is below amount, ErrNotFound when the session is absent.
	ConsumeCredits(id string, amount int64) (*model.SessionToken, error)
	// AddCredits increments the balance as a single step.
	AddCredits(id string, amount int64) (*model.SessionToken, error)
}

// UsageStore is the durable daily-spend counter keyed by
// (subject id, UTC day).
type UsageStore interface {
	DailySpend(subjectID, day string) (int64, error)
	// AddSpend increments the counter and returns the new total for the
	// day. The read-then-add is atomic with respect to concurrent calls
	// for the same key.
	AddSpend(subjectID, day string, amountCents int64) (int64, error)
}

// TxRefStore is the used-transaction-reference registry behind
// double-spend prevention.
type TxRefStore interface {
	// TxRefOwner returns the challenge id that claimed ref, or "" when
	// unclaimed.
	TxRefOwner(ref string) (string, error)
	// ClaimTxRef atomically records ref as used by challengeID. It is
	// idempotent for the same challenge and returns ErrTxRefUsed when a
	// different challenge already holds the claim.
	ClaimTxRef(ref, challengeID string) error
}

// PolicyStore persists per-subject spend policies. Policies are
// replaced in full, never merged.
type PolicyStore interface {
	GetPolicy(subjectID string) (*model.SpendPolicy, error)
	PutPolicy(subjectID string, p model.SpendPolicy) error
}

// AgentStore persists agent credentials.
type AgentStore interface {
	CreateAgent(a *model.Agent) error
	GetAgent(id string) (*model.Agent, error)
	// GetAgentsByKeyPrefix narrows bcrypt candidates the way API keys
	// are looked up.
	GetAgentsByKeyPrefix(prefix string) ([]*model.Agent, error)
	// TouchAgent updates the last-used timestamp.
	TouchAgent(id string, t time.Time) error
}

// Store is the full persistence surface. The engine depends only on
// the narrow interfaces above; adapters implement all of them.
type Store interface {
	ChallengeStore
	ReceiptStore
	SessionStore
	UsageStore
	TxRefStore
	PolicyStore
	AgentStore
}
