package relay

import (
	"context"
	"fmt"
	"time"

	relaymodels "github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

// initNonceTracking creates nonce_tracking. Failed and replaced rows are kept as
// history, so uniqueness only covers live records.
func (db *DB) initNonceTracking(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS nonce_tracking (
			id BIGSERIAL PRIMARY KEY,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			nonce BIGINT NOT NULL,
			status TEXT NOT NULL,
			tx_ref TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			reusable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS nonce_tracking_live_uniq
			ON nonce_tracking (chain, address, nonce)
			WHERE status IN ('pending', 'used')`,
		`CREATE INDEX IF NOT EXISTS nonce_tracking_account_idx
			ON nonce_tracking (chain, address, status, nonce)`,
	}
	for _, q := range queries {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const nonceColumns = `id, chain, address, nonce, status, tx_ref, tx_hash, reusable, created_at, updated_at`

func scanNonce(row pgx.Row) (*relaymodels.NonceRecord, error) {
	var r relaymodels.NonceRecord
	var n int64
	if err := row.Scan(&r.ID, &r.Chain, &r.Address, &n, &r.Status, &r.TxRef, &r.TxHash, &r.Reusable, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Nonce = uint64(n)
	return &r, nil
}

// MaxHeldNonce looks at the newest row of every nonce; older failed rows are history.
func (db *DB) MaxHeldNonce(ctx context.Context, chain, address string) (uint64, bool, error) {
	var n *int64
	err := db.GetExecutor(ctx).QueryRow(ctx, `
		SELECT MAX(nonce) FROM (
			SELECT DISTINCT ON (nonce) nonce, status, reusable
			FROM nonce_tracking
			WHERE chain = $1 AND address = $2
			ORDER BY nonce, id DESC
		) newest
		WHERE status IN ('pending', 'used') OR (status = 'failed' AND NOT reusable)
	`, chain, address).Scan(&n)
	if err != nil {
		return 0, false, err
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

func (db *DB) LowestReusable(ctx context.Context, chain, address string, from, to uint64) (uint64, bool, error) {
	var n *int64
	err := db.GetExecutor(ctx).QueryRow(ctx, `
		SELECT MIN(f.nonce) FROM nonce_tracking f
		WHERE f.chain = $1 AND f.address = $2 AND f.status = 'failed' AND f.reusable
		  AND f.nonce >= $3 AND f.nonce < $4
		  AND NOT EXISTS (
			SELECT 1 FROM nonce_tracking l
			WHERE l.chain = f.chain AND l.address = f.address AND l.nonce = f.nonce
			  AND l.status IN ('pending', 'used')
		  )
	`, chain, address, int64(from), int64(to)).Scan(&n)
	if err != nil {
		return 0, false, err
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

func (db *DB) InsertPending(ctx context.Context, rec *relaymodels.NonceRecord) error {
	return db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return db.insertPending(ctx, tx, rec)
	})
}

func (db *DB) insertPending(ctx context.Context, tx pgx.Tx, rec *relaymodels.NonceRecord) error {
	now := time.Now().UTC()
	err := tx.QueryRow(ctx, `
		INSERT INTO nonce_tracking (chain, address, nonce, status, tx_ref, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $5)
		RETURNING id, created_at, updated_at
	`, rec.Chain, rec.Address, int64(rec.Nonce), rec.TxRef, now).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("nonce %d of %s on %s: %w", rec.Nonce, rec.Address, rec.Chain, relaymodels.ErrConflict)
	}
	if err != nil {
		return err
	}
	rec.Status = relaymodels.NoncePending
	rec.Reusable = false

	_, err = tx.Exec(ctx, `
		UPDATE nonce_tracking SET reusable = FALSE, updated_at = $4
		WHERE chain = $1 AND address = $2 AND nonce = $3 AND status = 'failed' AND reusable
	`, rec.Chain, rec.Address, int64(rec.Nonce), now)
	return err
}

func (db *DB) NewestNonce(ctx context.Context, chain, address string, nonce uint64) (*relaymodels.NonceRecord, error) {
	rec, err := scanNonce(db.GetExecutor(ctx).QueryRow(ctx, `
		SELECT `+nonceColumns+` FROM nonce_tracking
		WHERE chain = $1 AND address = $2 AND nonce = $3
		ORDER BY id DESC
		LIMIT 1
	`, chain, address, int64(nonce)))
	if postgres.IsNoRows(err) {
		return nil, fmt.Errorf("nonce %d of %s on %s: %w", nonce, address, chain, relaymodels.ErrNotFound)
	}
	return rec, err
}

func (db *DB) TransitionNonce(ctx context.Context, t relaymodels.NonceTransition) (bool, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `
		UPDATE nonce_tracking SET
			status = $5,
			tx_hash = CASE WHEN $6 = '' THEN tx_hash ELSE $6 END,
			reusable = $7,
			updated_at = NOW()
		WHERE chain = $1 AND address = $2 AND nonce = $3 AND status = $4
	`, t.Chain, t.Address, int64(t.Nonce), t.From, t.To, t.TxHash, t.Reusable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) ReplaceNonce(ctx context.Context, chain, address string, nonce uint64, newTxRef string) error {
	return db.BeginFunc(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE nonce_tracking SET status = 'replaced', updated_at = NOW()
			WHERE chain = $1 AND address = $2 AND nonce = $3 AND status = 'pending'
		`, chain, address, int64(nonce))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no pending nonce %d of %s on %s: %w", nonce, address, chain, relaymodels.ErrConflict)
		}
		return db.insertPending(ctx, tx, &relaymodels.NonceRecord{Chain: chain, Address: address, Nonce: nonce, TxRef: newTxRef})
	})
}

func (db *DB) ListNonces(ctx context.Context, chain, address string, statuses ...string) ([]relaymodels.NonceRecord, error) {
	if statuses == nil {
		statuses = []string{}
	}
	rows, err := db.GetExecutor(ctx).Query(ctx, `
		SELECT `+nonceColumns+` FROM nonce_tracking
		WHERE chain = $1 AND address = $2 AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY nonce, id
	`, chain, address, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relaymodels.NonceRecord
	for rows.Next() {
		rec, err := scanNonce(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (db *DB) MarkNonceReusable(ctx context.Context, id int64) (bool, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `
		UPDATE nonce_tracking SET reusable = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND NOT reusable
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) StalledAccounts(ctx context.Context, before time.Time) ([]relaymodels.AccountKey, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, `
		SELECT DISTINCT chain, address FROM nonce_tracking
		WHERE (status = 'pending' AND updated_at < $1)
		   OR (status = 'failed' AND NOT reusable AND updated_at < $1 AND updated_at > $1 - INTERVAL '24 hours')
		ORDER BY chain, address
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relaymodels.AccountKey
	for rows.Next() {
		var k relaymodels.AccountKey
		if err := rows.Scan(&k.Chain, &k.Address); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
