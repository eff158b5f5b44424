package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	relaymodels "github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

// initTransactions creates the transactions table and its pickup index
func (db *DB) initTransactions(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			chain TEXT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL DEFAULT '',
			signed_payload BYTEA NOT NULL,
			nonce BIGINT,
			nonce_fixed BOOLEAN NOT NULL DEFAULT FALSE,
			nonce_held BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			retryable BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			rpc_endpoint_used TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			block_number BIGINT,
			confirmation_count BIGINT NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			replaces_id TEXT NOT NULL DEFAULT '',
			replaced_by_id TEXT NOT NULL DEFAULT '',
			broadcast_at TIMESTAMPTZ,
			next_check_at TIMESTAMPTZ,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_pickup_idx
			ON transactions (status, lease_until)`,
		`CREATE INDEX IF NOT EXISTS transactions_account_idx
			ON transactions (chain, from_address, nonce)`,
	}
	for _, q := range queries {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const txColumns = `id, chain, from_address, to_address, signed_payload, nonce, nonce_fixed, nonce_held, status,
	retryable, retry_count, next_retry_at, rpc_endpoint_used, tx_hash, block_number, confirmation_count,
	error_code, error_message, replaces_id, replaced_by_id, broadcast_at, next_check_at, lease_owner, lease_until,
	created_at, updated_at`

func scanTx(row pgx.Row) (*relaymodels.Transaction, error) {
	var (
		t          relaymodels.Transaction
		status     string
		nonce      *int64
		block      *int64
		confirmCnt int64
	)
	err := row.Scan(
		&t.ID, &t.Chain, &t.FromAddress, &t.ToAddress, &t.SignedPayload, &nonce, &t.NonceFixed, &t.NonceHeld, &status,
		&t.Retryable, &t.RetryCount, &t.NextRetryAt, &t.RPCEndpointUsed, &t.TxHash, &block, &confirmCnt,
		&t.ErrorCode, &t.ErrorMessage, &t.ReplacesID, &t.ReplacedByID, &t.BroadcastAt, &t.NextCheckAt, &t.LeaseOwner, &t.LeaseUntil,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = relaymodels.TxStatus(status)
	t.ConfirmationCount = uint64(confirmCnt)
	if nonce != nil {
		n := uint64(*nonce)
		t.Nonce = &n
	}
	if block != nil {
		b := uint64(*block)
		t.BlockNumber = &b
	}
	return &t, nil
}

func optInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func (db *DB) CreateTransaction(ctx context.Context, tx *relaymodels.Transaction) error {
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt
	return db.Exec(ctx, `
		INSERT INTO transactions (id, chain, from_address, to_address, signed_payload, nonce, nonce_fixed, status,
			replaces_id, lease_owner, lease_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, tx.ID, tx.Chain, tx.FromAddress, tx.ToAddress, tx.SignedPayload, optInt64(tx.Nonce), tx.NonceFixed, string(tx.Status),
		tx.ReplacesID, tx.LeaseOwner, tx.LeaseUntil, tx.CreatedAt)
}

func (db *DB) GetTransaction(ctx context.Context, id string) (*relaymodels.Transaction, error) {
	tx, err := scanTx(db.GetExecutor(ctx).QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return nil, fmt.Errorf("transaction %s: %w", id, relaymodels.ErrNotFound)
	}
	return tx, err
}

// setClauses renders the optional columns of upd after status. Confirmations only grow.
func setClauses(upd relaymodels.TxUpdate, args []any) ([]string, []any) {
	var sets []string
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}
	if upd.Nonce != nil {
		add("nonce = ?", int64(*upd.Nonce))
	}
	if upd.NonceHeld != nil {
		add("nonce_held = ?", *upd.NonceHeld)
	}
	if upd.Retryable != nil {
		add("retryable = ?", *upd.Retryable)
	}
	if upd.RetryCount != nil {
		add("retry_count = ?", *upd.RetryCount)
	}
	if upd.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	} else if upd.NextRetryAt != nil {
		add("next_retry_at = ?", *upd.NextRetryAt)
	}
	if upd.RPCEndpointUsed != nil {
		add("rpc_endpoint_used = ?", *upd.RPCEndpointUsed)
	}
	if upd.TxHash != nil {
		add("tx_hash = ?", *upd.TxHash)
	}
	if upd.BlockNumber != nil {
		add("block_number = ?", int64(*upd.BlockNumber))
	}
	if upd.ConfirmationCount != nil {
		add("confirmation_count = GREATEST(confirmation_count, ?)", int64(*upd.ConfirmationCount))
	}
	if upd.ErrorCode != nil {
		add("error_code = ?", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		add("error_message = ?", *upd.ErrorMessage)
	}
	if upd.ReplacedByID != nil {
		add("replaced_by_id = ?", *upd.ReplacedByID)
	}
	if upd.BroadcastAt != nil {
		add("broadcast_at = ?", *upd.BroadcastAt)
	}
	if upd.NextCheckAt != nil {
		add("next_check_at = ?", *upd.NextCheckAt)
	}
	return sets, args
}

func transitionQuery(id string, from []relaymodels.TxStatus, to relaymodels.TxStatus, upd relaymodels.TxUpdate) (string, []any) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	args := []any{id, fromStrs, string(to)}
	sets, args := setClauses(upd, args)
	sets = append([]string{"status = $3", "updated_at = NOW()"}, sets...)
	query := `UPDATE transactions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status = ANY($2) RETURNING ` + txColumns
	return query, args
}

func (db *DB) TransitionTx(ctx context.Context, id string, from []relaymodels.TxStatus, to relaymodels.TxStatus, upd relaymodels.TxUpdate) (*relaymodels.Transaction, bool, error) {
	query, args := transitionQuery(id, from, to, upd)
	tx, err := scanTx(db.GetExecutor(ctx).QueryRow(ctx, query, args...))
	if postgres.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

var errNotApplied = errors.New("replacement not applied")

func (db *DB) ReplaceTx(ctx context.Context, originalID, replacementID string, upd relaymodels.TxUpdate) (*relaymodels.Transaction, *relaymodels.Transaction, bool, error) {
	var original, replacement *relaymodels.Transaction
	err := db.BeginFunc(ctx, func(ptx pgx.Tx) error {
		txCtx := db.WithTx(ctx, ptx)
		var (
			ok  bool
			err error
		)
		original, ok, err = db.TransitionTx(txCtx, originalID,
			[]relaymodels.TxStatus{relaymodels.TxBroadcasted, relaymodels.TxConfirming}, relaymodels.TxReplaced,
			relaymodels.TxUpdate{ReplacedByID: &replacementID})
		if err != nil {
			return err
		}
		if !ok {
			return errNotApplied
		}
		replacement, ok, err = db.TransitionTx(txCtx, replacementID,
			[]relaymodels.TxStatus{relaymodels.TxSubmitting}, relaymodels.TxBroadcasted, upd)
		if err != nil {
			return err
		}
		if !ok {
			return errNotApplied
		}
		return nil
	})
	if errors.Is(err, errNotApplied) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return original, replacement, true, nil
}

func (db *DB) ClaimDue(ctx context.Context, owner string, now, leaseUntil, staleCreated time.Time, limit int) ([]relaymodels.Transaction, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, `
		WITH due AS (
			SELECT id FROM transactions
			WHERE (lease_until IS NULL OR lease_until < $2)
			  AND (
				status IN ('submitting', 'broadcasted', 'confirming')
				OR (status = 'failed' AND retryable AND next_retry_at <= $2)
				OR (status = 'created' AND created_at < $4)
			  )
			ORDER BY updated_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transactions t SET lease_owner = $1, lease_until = $3
		FROM due WHERE t.id = due.id
		RETURNING `+prefixColumns("t.", txColumns),
		owner, now, leaseUntil, staleCreated, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relaymodels.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (db *DB) RenewLeases(ctx context.Context, owner string, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Exec(ctx, `
		UPDATE transactions SET lease_until = $3
		WHERE id = ANY($2) AND lease_owner = $1
	`, owner, ids, until)
}

func (db *DB) ReleaseLease(ctx context.Context, id, owner string) error {
	return db.Exec(ctx, `
		UPDATE transactions SET lease_owner = '', lease_until = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
}

func (db *DB) TxInFlight(ctx context.Context, id string) (bool, error) {
	var (
		status    string
		retryable bool
	)
	err := db.GetExecutor(ctx).QueryRow(ctx, `SELECT status, retryable FROM transactions WHERE id = $1`, id).Scan(&status, &retryable)
	if postgres.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	tx := relaymodels.Transaction{Status: relaymodels.TxStatus(status), Retryable: retryable}
	return !tx.Terminal(), nil
}
