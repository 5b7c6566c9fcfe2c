// Package model holds the entities shared by the stores, the chain
// verifier and the challenge engine.
package model

import "time"

// ChallengeStatus is the lifecycle state of a payment challenge.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePaid    ChallengeStatus = "paid"
	ChallengeExpired ChallengeStatus = "expired"
)

// ReceiptStatus is the settlement state of a receipt.
type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptPending   ReceiptStatus = "pending"
)

// AssetType distinguishes native coin payments from token transfers.
type AssetType string

const (
	AssetNative AssetType = "native"
	AssetToken  AssetType = "token"
)

// PaymentChallenge is issued when access to a resource is denied. It is
// never deleted; its status moves pending -> paid or pending -> expired
// exactly once.
type PaymentChallenge struct {
	ID              string          `json:"id"`
	ResourceID      string          `json:"resourceId"`
	AmountCents     int64           `json:"amountCents"`
	Currency        string          `json:"currency"`
	ChainName       string          `json:"chainName"`
	ChainID         int64           `json:"chainId"`
	Description     string          `json:"description"`
	PayTo           string          `json:"payTo"`
	AssetType       AssetType       `json:"assetType"`
	AssetSymbol     string          `json:"assetSymbol"`
	AmountBaseUnits string          `json:"amountBaseUnits"` // integer string in the chain's base unit
	CreditsOffered  int64           `json:"creditsOffered"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Status          ChallengeStatus `json:"status"`
}

// ExpiredAtTime reports whether the challenge has passed its expiry at
// the given instant. Status alone must never be trusted on read paths.
func (c *PaymentChallenge) ExpiredAtTime(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// TransactionProof is a client-submitted claim that payment was made.
// It is consumed once by verification and never persisted as its own
// entity.
type TransactionProof struct {
	TransactionRef string `json:"transactionRef"`
	TxHash         string `json:"txHash,omitempty"`
	PayerAddress   string `json:"payerAddress"`
	Chain          string `json:"chain"`
}

// VerificationResult is the verdict of the chain verifier.
type VerificationResult struct {
	Valid           bool      `json:"valid"`
	FailureReason   string    `json:"failureReason,omitempty"` // machine-readable code
	FailureDetail   string    `json:"failureDetail,omitempty"`
	AmountBaseUnits string    `json:"amountBaseUnits,omitempty"`
	AmountNative    string    `json:"amountNative,omitempty"` // human-readable display value
	VerifiedAt      time.Time `json:"verifiedAt"`
	TxHash          string    `json:"txHash,omitempty"`
	BlockNumber     uint64    `json:"blockNumber,omitempty"`
	Payer           string    `json:"payer,omitempty"`
	Payee           string    `json:"payee,omitempty"`
	ExplorerURL     string    `json:"explorerUrl,omitempty"`
}

// Receipt is the durable proof of a completed, verified payment. At
// most one exists per challenge and per transaction reference. Created
// once, immutable thereafter.
type Receipt struct {
	ID             string        `json:"id"`
	ChallengeID    string        `json:"challengeId"`
	ResourceID     string        `json:"resourceId"`
	SessionID      string        `json:"sessionId"`
	AmountCents    int64         `json:"amountCents"`
	Currency       string        `json:"currency"`
	TransactionRef string        `json:"transactionRef"`
	VerifiedAt     time.Time     `json:"verifiedAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	Credits        int64         `json:"credits"`
	Status         ReceiptStatus `json:"status"`
}

// SessionToken is a credit-bearing handle returned to the client after
// a verified payment. Balance never goes negative.
type SessionToken struct {
	ID          string    `json:"id"`
	Balance     int64     `json:"balance"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessCount int64     `json:"accessCount"`
}

// ExpiredAtTime reports whether the session is past its expiry. Expired
// sessions are invalid for access but the record is kept.
func (s *SessionToken) ExpiredAtTime(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SpendPolicy caps how much a subject may spend. All thresholds are in
// minor currency units. Empty origin/path lists allow everything.
type SpendPolicy struct {
	MaxPerActionCents        int64    `json:"maxPerActionCents"`
	DailyCapCents            int64    `json:"dailyCapCents"`
	AutoApproveUnderCents    int64    `json:"autoApproveUnderCents"`
	RequireConfirmAboveCents int64    `json:"requireConfirmAboveCents"`
	AllowedOrigins           []string `json:"allowedOrigins,omitempty"`
	AllowedPaths             []string `json:"allowedPaths,omitempty"`
}

// SubjectKind distinguishes who a policy or usage record belongs to.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectAgent SubjectKind = "agent"
)

// SubjectID builds the usage-ledger key for a subject. User and agent
// spend are tracked independently even when identifiers collide.
func SubjectID(kind SubjectKind, id string) string {
	return string(kind) + ":" + id
}

// Agent is a scoped credential distinct from a human user that carries
// its own spend policy. The key is returned once at creation; only its
// bcrypt hash and an indexable prefix are stored.
type Agent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	KeyHash    string      `json:"-"`
	KeyPrefix  string      `json:"keyPrefix"`
	Policy     SpendPolicy `json:"policy"`
	CreatedAt  time.Time   `json:"createdAt"`
	LastUsedAt time.Time   `json:"lastUsedAt"`
}

// UsageRecord is the cumulative spend of a subject for one UTC calendar
// day.
type UsageRecord struct {
	SubjectID  string `json:"subjectId"`
	Day        string `json:"day"` // YYYY-MM-DD, UTC
	SpentCents int64  `json:"spentCents"`
}

// Article is a purchasable piece of content. Preview is always free;
// Body requires a credit.
type Article struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Preview    string `json:"preview"`
	Body       string `json:"body,omitempty"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
}
