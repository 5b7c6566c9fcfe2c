package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/example/paygate/internal/engine"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string      `json:"error_code"`
	Message string      `json:"error_message"`
	Details interface{} `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeErrorDetails writes a structured error response with a payload
// (the fresh challenge on a 402, the denying decision on a 403).
func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeEngineError maps the engine's typed errors onto HTTP statuses.
// Anything unrecognized is a 500 with the cause logged, never leaked.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		notFound     *engine.NotFoundError
		payReq       *engine.PaymentRequiredError
		invalidPay   *engine.InvalidPaymentError
		sessExpired  *engine.SessionExpiredError
		lowCredits   *engine.InsufficientCreditsError
		policyDenied *engine.PolicyViolationError
		agentDenied  *engine.AgentNotAuthorizedError
		validation   *engine.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &payReq):
		writeErrorDetails(w, http.StatusPaymentRequired, "PAYMENT_REQUIRED", err.Error(), map[string]interface{}{
			"challenge": payReq.Challenge,
		})
	case errors.As(err, &invalidPay):
		writeErrorDetails(w, http.StatusBadRequest, "INVALID_PAYMENT", err.Error(), map[string]interface{}{
			"challenge_id": invalidPay.ChallengeID,
			"reason":       invalidPay.Reason,
		})
	case errors.As(err, &sessExpired):
		writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", err.Error())
	case errors.As(err, &lowCredits):
		writeErrorDetails(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", err.Error(), map[string]interface{}{
			"required":  lowCredits.Required,
			"available": lowCredits.Available,
		})
	case errors.As(err, &policyDenied):
		writeErrorDetails(w, http.StatusForbidden, "POLICY_VIOLATION", err.Error(), map[string]interface{}{
			"subject":         policyDenied.Subject,
			"reason":          policyDenied.Reason,
			"limit_cents":     policyDenied.LimitCents,
			"attempted_cents": policyDenied.AttemptedCents,
		})
	case errors.As(err, &agentDenied):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
