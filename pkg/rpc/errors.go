package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNetworkTimeout means a single RPC call exceeded its deadline.
	ErrNetworkTimeout = errors.New("rpc call timed out")
	// ErrRateLimited means the endpoint answered 429.
	ErrRateLimited = errors.New("rpc endpoint rate limited")
	// ErrSubmissionRejected means the chain refused the transaction.
	ErrSubmissionRejected = errors.New("submission rejected by chain")
)

// TransportError is a failure attributable to the endpoint itself: connection errors,
// timeouts, non-2xx HTTP statuses and undecodable bodies.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpc %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rpc %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC codes that indicate a problem with the node rather than with the request.
var endpointFaultCodes = map[int]bool{
	-32005: true, // limit exceeded
	-32603: true, // internal error
	-32601: true, // method not found (misconfigured or pruned endpoint)
	-32002: true, // resource unavailable
}

// RejectionKind classifies why a chain refused a transaction.
type RejectionKind string

const (
	RejectNonceTooLow       RejectionKind = "nonce_too_low"
	RejectAlreadyKnown      RejectionKind = "already_known"
	RejectUnderpriced       RejectionKind = "underpriced"
	RejectInsufficientFunds RejectionKind = "insufficient_funds"
	RejectInvalidSignature  RejectionKind = "invalid_signature"
	RejectOther             RejectionKind = "other"
)

// RejectionError wraps ErrSubmissionRejected with the node's reason.
type RejectionError struct {
	Kind    RejectionKind
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s (%s): %s", ErrSubmissionRejected, e.Kind, e.Message)
}

func (e *RejectionError) Unwrap() error { return ErrSubmissionRejected }

// NonceRelated reports whether the rejection means the nonce was already consumed.
func (e *RejectionError) NonceRelated() bool {
	return e.Kind == RejectNonceTooLow
}

var rejectionPatterns = []struct {
	kind    RejectionKind
	needles []string
}{
	{RejectAlreadyKnown, []string{"already known", "known transaction", "already imported", "alreadyknown"}},
	{RejectNonceTooLow, []string{"nonce too low", "nonce has already been used", "invalid nonce", "nonce is too low"}},
	{RejectUnderpriced, []string{"replacement transaction underpriced", "transaction underpriced", "fee too low", "max fee per gas less than block base fee"}},
	{RejectInsufficientFunds, []string{"insufficient funds", "insufficient balance"}},
	{RejectInvalidSignature, []string{"invalid signature", "invalid sender", "invalid chain id", "invalid transaction v, r, s"}},
}

// ClassifyRejection maps a node message to a RejectionKind.
func ClassifyRejection(message string) RejectionKind {
	msg := strings.ToLower(message)
	for _, p := range rejectionPatterns {
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.kind
			}
		}
	}
	return RejectOther
}

// asRejection converts a JSON-RPC error returned by eth_sendRawTransaction into a
// RejectionError unless it signals an endpoint fault.
func asRejection(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || endpointFaultCodes[rpcErr.Code] {
		return err
	}
	return &RejectionError{Kind: ClassifyRejection(rpcErr.Message), Code: rpcErr.Code, Message: rpcErr.Message}
}

// IsEndpointFailure reports whether err should count against the endpoint's health.
// Chain rejections and caller cancellation are not endpoint failures.
func IsEndpointFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrSubmissionRejected) {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return endpointFaultCodes[rpcErr.Code]
	}
	return errors.Is(err, ErrNetworkTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// AsRejection extracts the RejectionError from err, if any.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
