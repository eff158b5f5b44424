package relay

import (
	"time"
)

const NonceTrackingTableName = "nonce_tracking"

// Nonce record statuses.
const (
	NoncePending  = "pending"
	NonceUsed     = "used"
	NonceFailed   = "failed"
	NonceReplaced = "replaced"
)

// NonceRecord is one reservation of a nonce for a (chain, address).
// Pending and Used records are unique per nonce; Failed and Replaced rows are history.
type NonceRecord struct {
	ID        int64     `json:"id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Nonce     uint64    `json:"nonce"`
	Status    string    `json:"status"`
	TxRef     string    `json:"tx_ref,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Reusable  bool      `json:"reusable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Live reports whether the record still holds its nonce.
func (r NonceRecord) Live() bool {
	return r.Status == NoncePending || r.Status == NonceUsed
}

// Held reports whether the newest record of a nonce keeps it from being handed out:
// it is live, or it failed and the chain has not been shown to lack it.
func (r NonceRecord) Held() bool {
	return r.Live() || (r.Status == NonceFailed && !r.Reusable)
}

// NonceTransition is a compare-and-set of the live record of (Chain, Address, Nonce)
// from status From to status To.
type NonceTransition struct {
	Chain   string
	Address string
	Nonce   uint64
	From    string
	To      string
	// TxHash is recorded when non-empty.
	TxHash string
	// Reusable marks a Failed record as proven unconsumed.
	Reusable bool
}

// AccountKey identifies the nonce sequence of one address on one chain.
type AccountKey struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}
