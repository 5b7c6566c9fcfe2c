// Package policy implements the pure spend-policy decision function.
// It performs no I/O; the caller supplies the subject's current daily
// spend.
package policy

import (
	"strings"
	"time"

	"github.com/example/paygate/internal/model"
)

// Deny reasons, stable across the wire.
const (
	ReasonMaxPerAction  = "max_per_action"
	ReasonDailyCap      = "daily_cap"
	ReasonOriginBlocked = "origin_blocked"
	ReasonPathBlocked   = "path_blocked"
)

// Decision is the outcome of a spend-policy check.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	NeedsConfirm   bool   `json:"needsConfirm"`
	Reason         string `json:"reason,omitempty"`
	LimitCents     int64  `json:"limitCents,omitempty"`
	AttemptedCents int64  `json:"attemptedCents,omitempty"`
}

// Request bundles the inputs to a decision. Origin and Path are
// optional; empty values skip their checks.
type Request struct {
	AmountCents     int64
	DailySpentCents int64
	Origin          string
	Path            string
}

// Decide evaluates a proposed spend against a policy. Checks short-
// circuit in a fixed order: per-action limit, daily cap, origin, path.
func Decide(p model.SpendPolicy, req Request) Decision {
	if req.AmountCents > p.MaxPerActionCents {
		return Decision{
			Reason:         ReasonMaxPerAction,
			LimitCents:     p.MaxPerActionCents,
			AttemptedCents: req.AmountCents,
		}
	}
	if projected := req.DailySpentCents + req.AmountCents; projected > p.DailyCapCents {
		return Decision{
			Reason:         ReasonDailyCap,
			LimitCents:     p.DailyCapCents,
			AttemptedCents: projected,
		}
	}
	if req.Origin != "" && len(p.AllowedOrigins) > 0 && !originAllowed(req.Origin, p.AllowedOrigins) {
		return Decision{
			Reason:         ReasonOriginBlocked,
			AttemptedCents: req.AmountCents,
		}
	}
	if req.Path != "" && len(p.AllowedPaths) > 0 && !pathAllowed(req.Path, p.AllowedPaths) {
		return Decision{
			Reason:         ReasonPathBlocked,
			AttemptedCents: req.AmountCents,
		}
	}
	return Decision{
		Allowed:      true,
		NeedsConfirm: req.AmountCents > p.RequireConfirmAboveCents,
	}
}

// AutoApproved reports whether an amount qualifies for silent approval
// without any confirmation UI. Callers apply this before Decide's
// NeedsConfirm flag; it is not part of the allow/deny decision itself.
func AutoApproved(p model.SpendPolicy, amountCents int64) bool {
	return amountCents <= p.AutoApproveUnderCents
}

// DayKey derives the UTC calendar-day key used for daily-spend lookups.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func originAllowed(origin string, patterns []string) bool {
	for _, pat := range patterns {
		if pat == "*" || origin == pat || strings.HasPrefix(origin, pat) {
			return true
		}
	}
	return false
}

func pathAllowed(path string, patterns []string) bool {
	for _, pat := range patterns {
		if matchPath(pat, path) {
			return true
		}
	}
	return false
}

// matchPath supports exact matches, "*" (everything), "prefix/*"
// (exactly one more non-empty segment) and "prefix/**" (any suffix,
// including none).
func matchPath(pattern, path string) bool {
	if pattern == "*" || pattern == path {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		rest, found := strings.CutPrefix(path, prefix+"/")
		return found && rest != "" && !strings.Contains(rest, "/")
	}
	return false
}

// Default is the policy assigned to a subject that has never configured
// one.
func Default() model.SpendPolicy {
	return model.SpendPolicy{
		MaxPerActionCents:        500,   // $5 per action
		DailyCapCents:            2000,  // $20 per day
		AutoApproveUnderCents:    100,   // silent under $1
		RequireConfirmAboveCents: 200,   // confirm above $2
	}
}

// Validate rejects policies with negative thresholds. The soundness
// expectation autoApproveUnder <= requireConfirmAbove is the policy
// author's responsibility and is not enforced here.
func Validate(p model.SpendPolicy) (field string, ok bool) {
	switch {
	case p.MaxPerActionCents < 0:
		return "maxPerActionCents", false
	case p.DailyCapCents < 0:
		return "dailyCapCents", false
	case p.AutoApproveUnderCents < 0:
		return "autoApproveUnderCents", false
	case p.RequireConfirmAboveCents < 0:
		return "requireConfirmAboveCents", false
	}
	return "", true
}
