package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EVMClient implements ChainClient over the Ethereum JSON-RPC API.
type EVMClient struct {
	*HTTPClient
}

// NewEVMClient wraps an HTTPClient with the eth_* methods.
func NewEVMClient(c *HTTPClient) *EVMClient {
	return &EVMClient{HTTPClient: c}
}

func (c *EVMClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash common.Hash
	if err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)}, &hash); err != nil {
		return "", asRejection(err)
	}
	return hash.Hex(), nil
}

func (c *EVMClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return c.transactionCount(ctx, address, "pending")
}

func (c *EVMClient) LatestNonce(ctx context.Context, address string) (uint64, error) {
	return c.transactionCount(ctx, address, "latest")
}

func (c *EVMClient) transactionCount(ctx context.Context, address, tag string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("invalid address %q", address)
	}
	var n hexutil.Uint64
	if err := c.Call(ctx, "eth_getTransactionCount", []any{common.HexToAddress(address), tag}, &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

type evmReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	Status          *hexutil.Uint64 `json:"status"`
}

func (c *EVMClient) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "eth_getTransactionReceipt", []any{common.HexToHash(hash)}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r evmReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", hash, err)
	}
	// Some nodes return a receipt skeleton for pending transactions.
	if r.BlockNumber == nil {
		return nil, nil
	}
	out := &Receipt{TxHash: r.TransactionHash.Hex(), BlockNumber: r.BlockNumber.ToInt().Uint64(), Status: 1}
	if r.Status != nil {
		out.Status = uint64(*r.Status)
	}
	return out, nil
}

func (c *EVMClient) TransactionKnown(ctx context.Context, hash string) (bool, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "eth_getTransactionByHash", []any{common.HexToHash(hash)}, &raw); err != nil {
		return false, err
	}
	return len(raw) > 0 && string(raw) != "null", nil
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.Call(ctx, "eth_blockNumber", nil, &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// HTTPFactory builds EVM clients sharing one http.Client.
type HTTPFactory struct {
	Timeout    time.Duration
	RPS        int
	Burst      int
	HTTPClient *http.Client
}

func (f HTTPFactory) NewClient(family, url string) (ChainClient, error) {
	switch family {
	case chains.FamilyEVM, "":
		return NewEVMClient(NewHTTPWithOpts(Opts{
			URL:        url,
			Timeout:    f.Timeout,
			RPS:        f.RPS,
			Burst:      f.Burst,
			HTTPClient: f.HTTPClient,
		})), nil
	default:
		return nil, fmt.Errorf("unsupported chain family %q", family)
	}
}
