package models

import (
	"strings"
	"time"
)

// SessionKeyConfig is the immutable policy of one credential.
type SessionKeyConfig struct {
	MaxTransactionAmount    *Amount   `json:"max_transaction_amount"`
	MaxDailyAmount          *Amount   `json:"max_daily_amount"`
	MaxTransactionCount     int       `json:"max_transaction_count"`
	ExpirationTime          time.Time `json:"expiration_time"`
	CreatedAt               time.Time `json:"created_at"`
	AllowedContracts        []string  `json:"allowed_contracts"`
	AllowedMethods          []string  `json:"allowed_methods"`
	RequireUserConfirmation bool      `json:"require_user_confirmation"`
	EmergencyRevocation     bool      `json:"emergency_revocation"`
}

// AllowsContract reports whether the target address is allow-listed.
// Addresses compare case-insensitively since hex addresses vary in casing.
func (c SessionKeyConfig) AllowsContract(addr string) bool {
	for _, a := range c.AllowedContracts {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func (c SessionKeyConfig) AllowsMethod(method string) bool {
	for _, m := range c.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// SessionKeyState is a snapshot of one credential. The signing capability is
// held by the wallet provider inside the registry, never on this struct.
type SessionKeyState struct {
	ID            string           `json:"id"`
	Principal     string           `json:"principal"`
	Address       string           `json:"address"`
	Config        SessionKeyConfig `json:"config"`
	IsActive      bool             `json:"is_active"`
	IsRevoked     bool             `json:"is_revoked"`
	RevokedAt     *time.Time       `json:"revoked_at,omitempty"`
	RevokedReason string           `json:"revoked_reason,omitempty"`
}

// SessionKeyUsage is one successfully submitted action.
type SessionKeyUsage struct {
	TxReference     string    `json:"tx_reference"`
	Amount          *Amount   `json:"amount"`
	Timestamp       time.Time `json:"timestamp"`
	ContractAddress string    `json:"contract_address"`
	MethodName      string    `json:"method_name"`
}

// SessionKeyLimits is a point-in-time quota snapshot. Recomputed on every
// check; never cached across calls.
type SessionKeyLimits struct {
	DailyAmountUsed       *Amount `json:"daily_amount_used"`
	DailyAmountRemaining  *Amount `json:"daily_amount_remaining"`
	TransactionCountUsed  int     `json:"transaction_count_used"`
	TransactionsRemaining int     `json:"transactions_remaining"`
	CanExecute            bool    `json:"can_execute"`
	LimitReachedReason    string  `json:"limit_reached_reason,omitempty"`
}

// UsageStatistics is a read-only observability rollup.
type UsageStatistics struct {
	TotalCount    int                `json:"total_count"`
	TotalAmount   *Amount            `json:"total_amount"`
	AverageAmount *Amount            `json:"average_amount"`
	LastUsed      *time.Time         `json:"last_used,omitempty"`
	PerDay        map[string]*Amount `json:"per_day"`
}

// DecisionResponse is the envelope returned by limit checks and denials.
type DecisionResponse struct {
	Verdict    string            `json:"verdict"`
	ReasonCode string            `json:"reason_code,omitempty"`
	Limits     *SessionKeyLimits `json:"limits,omitempty"`
}

// ExecuteResponse is returned by the execute endpoint.
type ExecuteResponse struct {
	Verdict     string            `json:"verdict"`
	ReasonCode  string            `json:"reason_code,omitempty"`
	TxReference string            `json:"tx_reference,omitempty"`
	DecisionID  string            `json:"decision_id,omitempty"`
	Limits      *SessionKeyLimits `json:"limits,omitempty"`
}
