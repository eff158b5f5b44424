package relay

import (
	"time"
)

// Event types published alongside status changes.
const (
	EventStatus           = "tx.status"
	EventRetriesExhausted = "tx.retries_exhausted"
)

// TxEvent is the notification emitted on every transaction status change.
// StreamID is filled in by readers of the durable event stream.
type TxEvent struct {
	StreamID      string    `json:"stream_id,omitempty"`
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Chain         string    `json:"chain"`
	FromAddress   string    `json:"from_address"`
	Status        TxStatus  `json:"status"`
	Previous      TxStatus  `json:"previous,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Nonce         *uint64   `json:"nonce,omitempty"`
	Confirmations uint64    `json:"confirmations"`
	Retryable     bool      `json:"retryable,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	At            time.Time `json:"at"`
}

// NewTxEvent builds the status event for tx moving from previous.
func NewTxEvent(tx *Transaction, previous TxStatus, at time.Time) TxEvent {
	return TxEvent{
		Type:          EventStatus,
		ID:            tx.ID,
		Chain:         tx.Chain,
		FromAddress:   tx.FromAddress,
		Status:        tx.Status,
		Previous:      previous,
		TxHash:        tx.TxHash,
		Nonce:         tx.Nonce,
		Confirmations: tx.ConfirmationCount,
		Retryable:     tx.Retryable,
		ErrorCode:     tx.ErrorCode,
		At:            at.UTC(),
	}
}
