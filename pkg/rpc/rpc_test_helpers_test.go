package rpc_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/canopy-network/txrelay/pkg/rpc"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     uint64            `json:"id"`
}

// jsonRPCHandler answers every request with result(call) or, when it returns a non-nil
// error object, with that JSON-RPC error.
func jsonRPCHandler(fn func(call rpcCall) (any, *rpc.RPCError)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := fn(call)
		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func newTestEVMClient(handler http.Handler) *rpc.EVMClient {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			resp := rec.Result()
			if resp.Body == nil {
				resp.Body = http.NoBody
			}
			return resp, nil
		}),
		Timeout: 5 * time.Second,
	}

	return rpc.NewEVMClient(rpc.NewHTTPWithOpts(rpc.Opts{
		URL:        "http://mock/",
		Timeout:    5 * time.Second,
		RPS:        1000,
		Burst:      1000,
		HTTPClient: httpClient,
	}))
}
