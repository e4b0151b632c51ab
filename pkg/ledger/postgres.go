package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"paywarp/pkg/models"
)

type archiveDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ArchiveWriter mirrors committed usage entries into postgres for durable
// history. The in-memory Log stays the source of truth for quota arithmetic;
// the archive is write-behind and read only for reload after restart.
type ArchiveWriter struct {
	DB archiveDB
}

func (w *ArchiveWriter) Append(ctx context.Context, credentialID string, usage models.SessionKeyUsage) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO session_key_usage
		(credential_id, tx_reference, amount, contract_address, method_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, credentialID, usage.TxReference, usage.Amount.String(), usage.ContractAddress, usage.MethodName, usage.Timestamp)
	return err
}

// Load replays a credential's archived history, oldest first.
func (w *ArchiveWriter) Load(ctx context.Context, credentialID string) ([]models.SessionKeyUsage, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT tx_reference, amount, contract_address, method_name, created_at
		FROM session_key_usage WHERE credential_id=$1 ORDER BY created_at ASC
	`, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SessionKeyUsage
	for rows.Next() {
		var u models.SessionKeyUsage
		var amount string
		if err := rows.Scan(&u.TxReference, &amount, &u.ContractAddress, &u.MethodName, &u.Timestamp); err != nil {
			return nil, err
		}
		parsed, err := models.ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		u.Amount = parsed
		out = append(out, u)
	}
	return out, rows.Err()
}
