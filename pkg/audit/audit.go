package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one row per execute decision, admitted or denied. Principal
// identifiers are salted-hashed when Redact is set so the trail carries no
// raw wallet addresses.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Decision struct {
	DecisionID      string
	CredentialID    string
	Principal       string
	ContractAddress string
	MethodName      string
	Amount          string
	Verdict         string
	ReasonCode      string
	TxReference     string
	CreatedAt       time.Time
}

func (w *Writer) Append(ctx context.Context, rec Decision) error {
	if w.Redact {
		rec.Principal = hashString(rec.Principal, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, credential_id, principal, contract_address, method_name, amount, verdict, reason_code, tx_reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.DecisionID, rec.CredentialID, rec.Principal, rec.ContractAddress, rec.MethodName, rec.Amount, rec.Verdict, rec.ReasonCode, rec.TxReference, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Decision, error) {
	var rec Decision
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, credential_id, principal, contract_address, method_name, amount, verdict, reason_code, tx_reference, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.CredentialID, &rec.Principal, &rec.ContractAddress, &rec.MethodName, &rec.Amount, &rec.Verdict, &rec.ReasonCode, &rec.TxReference, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
