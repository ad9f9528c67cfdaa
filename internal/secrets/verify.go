package secrets

import (
	"context"
	"database/sql"
	"fmt"
)

// VerifyAll attempts to decrypt every stored credential (ingest authKey,
// per-worker shared secrets) to confirm the current master key is correct,
// e.g. after Rewrap or on controller startup.
func VerifyAll(ctx context.Context, db *sql.DB, km KeyManager) error {
	rows, err := db.QueryContext(ctx, `SELECT name, value FROM credentials`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var val []byte
		if err := rows.Scan(&name, &val); err != nil {
			return err
		}
		if !isEncrypted(val) {
			continue
		}
		nonce, ct := splitEnvelope(val)
		if _, err := km.Decrypt(nonce, ct); err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
	}
	return rows.Err()
}
