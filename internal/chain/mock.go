package chain

import (
	"context"

	"github.com/example/paygate/internal/clock"
	"github.com/example/paygate/internal/model"
)

// MockVerifier accepts any proof carrying a transaction reference. It
// is the development and demo verifier; double-spend prevention still
// applies upstream because references are claimed per challenge.
type MockVerifier struct {
	Clock clock.Clock
}

func NewMockVerifier(clk clock.Clock) *MockVerifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &MockVerifier{Clock: clk}
}

func (m *MockVerifier) Verify(_ context.Context, ch *model.PaymentChallenge, proof model.TransactionProof) (model.VerificationResult, error) {
	if proof.TransactionRef == "" && proof.TxHash == "" {
		return invalid(ReasonTxNotFound, "no transaction reference supplied"), nil
	}
	return model.VerificationResult{
		Valid:           true,
		AmountBaseUnits: ch.AmountBaseUnits,
		VerifiedAt:      m.Clock.Now().UTC(),
		TxHash:          proof.TxHash,
		Payer:           proof.PayerAddress,
		Payee:           ch.PayTo,
	}, nil
}
