// Package chain turns client-submitted transaction hashes into
// verification verdicts against an EVM ledger. Domain failures come
// back as invalid verdicts with a nil error; a non-nil error means a
// transient RPC problem the caller may retry.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/clock"
	"github.com/example/paygate/internal/model"
)

// Failure reason codes carried on invalid verdicts.
const (
	ReasonTxNotFound         = "transaction_not_found"
	ReasonNotConfirmed       = "not_yet_confirmed"
	ReasonTxFailed           = "transaction_failed"
	ReasonWrongRecipient     = "wrong_recipient"
	ReasonInsufficientAmount = "insufficient_amount"
)

// EthClient is the narrow slice of the Ethereum client the verifier
// needs.
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// NewEthClient dials an RPC endpoint. This function can be overridden
// in tests.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Verifier produces a verdict for a proof against a challenge.
type Verifier interface {
	Verify(ctx context.Context, ch *model.PaymentChallenge, proof model.TransactionProof) (model.VerificationResult, error)
}

// Config holds the chain-facing settings of the RPC verifier.
type Config struct {
	ExplorerTxURL string // base URL, tx hash is appended
	AssetDecimals int32  // base-unit decimals for display amounts
}

// RPCVerifier checks transactions against a live chain endpoint.
type RPCVerifier struct {
	client EthClient
	cfg    Config
	clock  clock.Clock
}

// NewRPCVerifier builds a verifier over the given client.
func NewRPCVerifier(client EthClient, cfg Config, clk clock.Clock) *RPCVerifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &RPCVerifier{client: client, cfg: cfg, clock: clk}
}

// Verify runs the full verification procedure: fetch the transaction,
// require a successful receipt, match the recipient case-insensitively
// and compare the transferred value as an arbitrary-precision integer.
func (v *RPCVerifier) Verify(ctx context.Context, ch *model.PaymentChallenge, proof model.TransactionProof) (model.VerificationResult, error) {
	// A proof without a transaction hash is an off-chain settlement;
	// accept it at face value. Only wired for demo deployments.
	if proof.TxHash == "" {
		return model.VerificationResult{
			Valid:           true,
			AmountBaseUnits: ch.AmountBaseUnits,
			AmountNative:    v.display(ch.AmountBaseUnits),
			VerifiedAt:      v.clock.Now(),
			Payer:           proof.PayerAddress,
			Payee:           ch.PayTo,
		}, nil
	}

	txHash := common.HexToHash(proof.TxHash)

	tx, pending, err := v.client.TransactionByHash(ctx, txHash)
	if err != nil {
		if err == ethereum.NotFound {
			return invalid(ReasonTxNotFound, fmt.Sprintf("transaction %s not found", proof.TxHash)), nil
		}
		return model.VerificationResult{}, fmt.Errorf("fetching transaction %s: %w", proof.TxHash, err)
	}
	if pending {
		return invalid(ReasonNotConfirmed, fmt.Sprintf("transaction %s not yet confirmed", proof.TxHash)), nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if err == ethereum.NotFound {
			return invalid(ReasonNotConfirmed, fmt.Sprintf("transaction %s not yet confirmed", proof.TxHash)), nil
		}
		return model.VerificationResult{}, fmt.Errorf("fetching receipt for %s: %w", proof.TxHash, err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return invalid(ReasonTxFailed, fmt.Sprintf("transaction %s failed on chain", proof.TxHash)), nil
	}

	want := common.HexToAddress(ch.PayTo)
	to := tx.To()
	if to == nil || *to != want {
		got := "contract creation"
		if to != nil {
			got = to.Hex()
		}
		return invalid(ReasonWrongRecipient, fmt.Sprintf("wrong recipient: expected %s, got %s", want.Hex(), got)), nil
	}

	required, ok := new(big.Int).SetString(ch.AmountBaseUnits, 10)
	if !ok {
		return model.VerificationResult{}, fmt.Errorf("challenge %s has malformed base-unit amount %q", ch.ID, ch.AmountBaseUnits)
	}
	if tx.Value().Cmp(required) < 0 {
		return invalid(ReasonInsufficientAmount,
			fmt.Sprintf("insufficient amount: required %s, got %s", required.String(), tx.Value().String())), nil
	}

	// Best effort: report the confirming block's timestamp. A failure
	// here must not fail the verification.
	verifiedAt := v.clock.Now()
	if header, err := v.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil && header != nil {
		verifiedAt = time.Unix(int64(header.Time), 0).UTC()
	}

	payer := proof.PayerAddress
	if sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		payer = sender.Hex()
	}

	return model.VerificationResult{
		Valid:           true,
		AmountBaseUnits: tx.Value().String(),
		AmountNative:    v.display(tx.Value().String()),
		VerifiedAt:      verifiedAt,
		TxHash:          txHash.Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		Payer:           payer,
		Payee:           want.Hex(),
		ExplorerURL:     v.cfg.ExplorerTxURL + txHash.Hex(),
	}, nil
}

// display renders a base-unit integer string as a human-readable
// native-unit amount. Only the display value is ever a non-integer.
func (v *RPCVerifier) display(baseUnits string) string {
	n, ok := new(big.Int).SetString(baseUnits, 10)
	if !ok {
		return ""
	}
	return decimal.NewFromBigInt(n, -v.cfg.AssetDecimals).String()
}

func invalid(reason, detail string) model.VerificationResult {
	return model.VerificationResult{Valid: false, FailureReason: reason, FailureDetail: detail}
}
