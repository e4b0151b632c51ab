package spendpolicy

import (
	"time"

	"paywarp/pkg/keyfsm"
	"paywarp/pkg/models"
)

const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
)

// Reason codes, in evaluation precedence order. Callers depend on which code
// is surfaced when several conditions hold at once, so the order of checks in
// Evaluate is a contract.
const (
	ReasonNotFound           = "NOT_FOUND"
	ReasonRevoked            = "REVOKED"
	ReasonInactive           = "INACTIVE"
	ReasonExpired            = "EXPIRED"
	ReasonContractNotAllowed = "CONTRACT_NOT_ALLOWED"
	ReasonMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ReasonPerTxLimit         = "PER_TX_LIMIT_EXCEEDED"
	ReasonDailyAmountLimit   = "DAILY_AMOUNT_LIMIT_EXCEEDED"
	ReasonDailyCountLimit    = "DAILY_COUNT_LIMIT_EXCEEDED"
)

// Proposal is one action a caller wants to execute.
type Proposal struct {
	ContractAddress string
	MethodName      string
	Amount          *models.Amount
}

// DayTotals is the credential's usage for the current UTC calendar day,
// including pending reservations.
type DayTotals struct {
	Amount *models.Amount
	Count  int
}

type Result struct {
	Verdict    string
	ReasonCode string
	Limits     models.SessionKeyLimits
}

func (r Result) Allowed() bool {
	return r.Verdict == VerdictAllow
}

// Evaluate is pure: no clock reads, no mutation. A nil state means the
// credential was not found. Checks run in fixed precedence order and return
// on the first violation.
func Evaluate(state *models.SessionKeyState, totals DayTotals, p Proposal, now time.Time) Result {
	if state == nil {
		return deny(ReasonNotFound, nil, totals)
	}
	cfg := state.Config
	if state.IsRevoked {
		return deny(ReasonRevoked, &cfg, totals)
	}
	if !state.IsActive {
		return deny(ReasonInactive, &cfg, totals)
	}
	if keyfsm.IsExpired(cfg.ExpirationTime, now) {
		return deny(ReasonExpired, &cfg, totals)
	}
	if !cfg.AllowsContract(p.ContractAddress) {
		return deny(ReasonContractNotAllowed, &cfg, totals)
	}
	if !cfg.AllowsMethod(p.MethodName) {
		return deny(ReasonMethodNotAllowed, &cfg, totals)
	}
	if p.Amount.Cmp(cfg.MaxTransactionAmount) > 0 {
		return deny(ReasonPerTxLimit, &cfg, totals)
	}
	if totals.Amount.Add(p.Amount).Cmp(cfg.MaxDailyAmount) > 0 {
		return deny(ReasonDailyAmountLimit, &cfg, totals)
	}
	if totals.Count >= cfg.MaxTransactionCount {
		return deny(ReasonDailyCountLimit, &cfg, totals)
	}
	return Result{
		Verdict: VerdictAllow,
		Limits:  Limits(cfg, totals, ""),
	}
}

// Limits computes the point-in-time quota snapshot for a credential.
func Limits(cfg models.SessionKeyConfig, totals DayTotals, reason string) models.SessionKeyLimits {
	used := totals.Amount.Clone()
	remaining := cfg.MaxDailyAmount.Sub(totals.Amount)
	txRemaining := cfg.MaxTransactionCount - totals.Count
	if txRemaining < 0 {
		txRemaining = 0
	}
	return models.SessionKeyLimits{
		DailyAmountUsed:       used,
		DailyAmountRemaining:  remaining,
		TransactionCountUsed:  totals.Count,
		TransactionsRemaining: txRemaining,
		CanExecute:            reason == "",
		LimitReachedReason:    reason,
	}
}

func deny(reason string, cfg *models.SessionKeyConfig, totals DayTotals) Result {
	res := Result{Verdict: VerdictDeny, ReasonCode: reason}
	if cfg != nil {
		res.Limits = Limits(*cfg, totals, reason)
	}
	return res
}

// CheckLimits computes the standalone limits view for a credential without a
// concrete proposal: which lifecycle or quota condition, if any, already
// blocks execution. Precedence matches Evaluate.
func CheckLimits(state *models.SessionKeyState, totals DayTotals, now time.Time) models.SessionKeyLimits {
	if state == nil {
		return models.SessionKeyLimits{
			DailyAmountUsed:      models.Zero(),
			DailyAmountRemaining: models.Zero(),
			CanExecute:           false,
			LimitReachedReason:   ReasonNotFound,
		}
	}
	cfg := state.Config
	reason := ""
	switch {
	case state.IsRevoked:
		reason = ReasonRevoked
	case !state.IsActive:
		reason = ReasonInactive
	case keyfsm.IsExpired(cfg.ExpirationTime, now):
		reason = ReasonExpired
	case totals.Amount.Cmp(cfg.MaxDailyAmount) >= 0:
		reason = ReasonDailyAmountLimit
	case totals.Count >= cfg.MaxTransactionCount:
		reason = ReasonDailyCountLimit
	}
	return Limits(cfg, totals, reason)
}

// IsQuotaReason reports whether a denial is a quota exhaustion rather than a
// scope or lifecycle violation. Quota denials clear on day rollover; the
// rest need operator action.
func IsQuotaReason(reason string) bool {
	switch reason {
	case ReasonPerTxLimit, ReasonDailyAmountLimit, ReasonDailyCountLimit:
		return true
	default:
		return false
	}
}
