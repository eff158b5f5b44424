package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/txrelay/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPClient speaks JSON-RPC 2.0 to a single endpoint, throttled by a token bucket.
// Endpoint fail-over and circuit breaking live in the selector, one level up.
type HTTPClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	nextID  atomic.Uint64
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	URL        string
	Timeout    time.Duration
	RPS        int
	Burst      int
	HTTPClient *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPClient{
		url:     utils.NormalizeURL(o.URL),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
	}
}

// URL returns the endpoint this client talks to.
func (c *HTTPClient) URL() string { return c.url }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call invokes method with params and decodes the result into out (which may be nil).
// Transport problems come back as *TransportError, deadline overruns wrap ErrNetworkTimeout,
// and JSON-RPC level errors come back as *RPCError.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return wrapTransport(c.url, err)
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		// Fatal for this call; not an endpoint failure.
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return wrapTransport(c.url, err)
	}
	// From here on, always drain+close the body before returning.
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &TransportError{URL: c.url, StatusCode: resp.StatusCode, Err: ErrRateLimited}
	}
	if resp.StatusCode >= 300 {
		return &TransportError{URL: c.url, StatusCode: resp.StatusCode, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return wrapTransport(c.url, fmt.Errorf("decode %s response: %w", method, err))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		rpcResp.Result = json.RawMessage("null")
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return wrapTransport(c.url, fmt.Errorf("decode %s result: %w", method, err))
	}
	return nil
}

func wrapTransport(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{URL: url, Err: fmt.Errorf("%w: %v", ErrNetworkTimeout, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{URL: url, Err: fmt.Errorf("%w: %v", ErrNetworkTimeout, err)}
	}
	return &TransportError{URL: url, Err: err}
}
