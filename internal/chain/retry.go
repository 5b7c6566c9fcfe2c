package chain

import (
	"context"
	"time"

	"github.com/example/paygate/internal/model"
)

const (
	// DefaultAttempts bounds how long a client waits for a submitted
	// transaction to confirm.
	DefaultAttempts = 30
	// DefaultInterval spaces those attempts.
	DefaultInterval = time.Second
)

// RetryVerifier wraps a Verifier and retries while the transaction is
// not yet confirmed or the RPC endpoint fails transiently. Permanent
// verdicts (not found, wrong recipient, insufficient amount, reverted)
// are returned immediately.
type RetryVerifier struct {
	Inner    Verifier
	Attempts int
	Interval time.Duration
}

// NewRetryVerifier wraps inner with the given attempt budget. Zero
// values fall back to the defaults.
func NewRetryVerifier(inner Verifier, attempts int, interval time.Duration) *RetryVerifier {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &RetryVerifier{Inner: inner, Attempts: attempts, Interval: interval}
}

func (r *RetryVerifier) Verify(ctx context.Context, ch *model.PaymentChallenge, proof model.TransactionProof) (model.VerificationResult, error) {
	var (
		res     model.VerificationResult
		lastErr error
	)
	for attempt := 0; attempt < r.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.Interval); err != nil {
				if lastErr != nil {
					return model.VerificationResult{}, lastErr
				}
				return res, err
			}
		}
		res, lastErr = r.Inner.Verify(ctx, ch, proof)
		if lastErr != nil {
			continue // transient RPC failure
		}
		if !res.Valid && res.FailureReason == ReasonNotConfirmed {
			continue // pending confirmation, the common retry case
		}
		return res, nil
	}
	if lastErr != nil {
		return model.VerificationResult{}, lastErr
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
