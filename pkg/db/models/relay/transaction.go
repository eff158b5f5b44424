package relay

import (
	"time"
)

const TransactionsTableName = "transactions"

// TxStatus is the broadcast lifecycle state of a transaction.
type TxStatus string

const (
	TxCreated     TxStatus = "created"
	TxSubmitting  TxStatus = "submitting"
	TxBroadcasted TxStatus = "broadcasted"
	TxConfirming  TxStatus = "confirming"
	TxConfirmed   TxStatus = "confirmed"
	TxFailed      TxStatus = "failed"
	TxTimedOut    TxStatus = "timed_out"
	TxDropped     TxStatus = "dropped"
	TxReplaced    TxStatus = "replaced"
)

// forward lists the statuses each status may move to. Self-edges carry progress
// updates (retry counts, confirmation counts) without a status change.
var forward = map[TxStatus][]TxStatus{
	TxCreated:     {TxSubmitting, TxFailed},
	TxSubmitting:  {TxSubmitting, TxBroadcasted, TxFailed, TxDropped},
	TxBroadcasted: {TxConfirming, TxFailed, TxDropped, TxReplaced},
	TxConfirming:  {TxConfirming, TxConfirmed, TxFailed, TxTimedOut, TxDropped, TxReplaced},
	TxFailed:      {TxSubmitting, TxFailed},
}

// CanTransition reports whether the status machine allows from -> to.
// Failed only leaves through a scheduled retry, which callers check via Retryable.
func CanTransition(from, to TxStatus) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlightStatuses are the states owned by a live processing task.
var InFlightStatuses = []TxStatus{TxSubmitting, TxBroadcasted, TxConfirming}

// Error codes stored in transactions.error_code.
const (
	ErrCodeNoHealthyEndpoint  = "no_healthy_endpoint"
	ErrCodeNetworkTimeout     = "network_timeout"
	ErrCodeRejected           = "rejected_by_chain"
	ErrCodeNonceConflict      = "nonce_conflict"
	ErrCodeNonceUnavailable   = "nonce_unavailable"
	ErrCodeReverted           = "execution_reverted"
	ErrCodeNotFound           = "absent_from_chain"
	ErrCodeConfirmTimeout     = "confirmation_timeout"
	ErrCodeOriginalFinalized  = "original_finalized"
	ErrCodeSupersededOriginal = "superseded_by_original"
	ErrCodeRetriesExhausted   = "retries_exhausted"
)

// Transaction is the durable broadcast record. It is never deleted.
type Transaction struct {
	ID                string     `json:"id"`
	Chain             string     `json:"chain"`
	FromAddress       string     `json:"from_address"`
	ToAddress         string     `json:"to_address"`
	SignedPayload     []byte     `json:"-"`
	Nonce             *uint64    `json:"nonce,omitempty"`
	NonceFixed        bool       `json:"nonce_fixed"`
	NonceHeld         bool       `json:"-"`
	Status            TxStatus   `json:"status"`
	Retryable         bool       `json:"retryable"`
	RetryCount        int        `json:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	RPCEndpointUsed   string     `json:"rpc_endpoint_used,omitempty"`
	TxHash            string     `json:"tx_hash,omitempty"`
	BlockNumber       *uint64    `json:"block_number,omitempty"`
	ConfirmationCount uint64     `json:"confirmation_count"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ReplacesID        string     `json:"replaces_id,omitempty"`
	ReplacedByID      string     `json:"replaced_by_id,omitempty"`
	BroadcastAt       *time.Time `json:"broadcast_at,omitempty"`
	NextCheckAt       *time.Time `json:"next_check_at,omitempty"`
	LeaseOwner        string     `json:"-"`
	LeaseUntil        *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Terminal reports whether the transaction reached a final state.
// A retryable Failed transaction is still waiting for its scheduled retry.
func (t Transaction) Terminal() bool {
	switch t.Status {
	case TxConfirmed, TxTimedOut, TxDropped, TxReplaced:
		return true
	case TxFailed:
		return !t.Retryable
	default:
		return false
	}
}

// TxUpdate carries the optional columns written together with a status change.
// Nil fields are left untouched.
type TxUpdate struct {
	Nonce             *uint64
	NonceHeld         *bool
	Retryable         *bool
	RetryCount        *int
	NextRetryAt       *time.Time
	ClearNextRetry    bool
	RPCEndpointUsed   *string
	TxHash            *string
	BlockNumber       *uint64
	ConfirmationCount *uint64
	ErrorCode         *string
	ErrorMessage      *string
	ReplacedByID      *string
	BroadcastAt       *time.Time
	NextCheckAt       *time.Time
}
