package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/txrelay/app/relayer/controller"
	"github.com/canopy-network/txrelay/app/relayer/types"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/memory"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/pipeline"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/scheduler"
	"github.com/canopy-network/txrelay/pkg/selector"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adminToken = "secret"

// node accepts every broadcast and never mines anything.
type node struct {
	mu      sync.Mutex
	pending uint64
	latest  uint64
}

func (n *node) NewClient(_, url string) (rpc.ChainClient, error) { return &nodeClient{url: url, n: n}, nil }

type nodeClient struct {
	url string
	n   *node
}

func (c *nodeClient) URL() string { return c.url }

func (c *nodeClient) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", &rpc.RejectionError{Kind: rpc.RejectOther, Message: err.Error()}
	}
	return tx.Hash().Hex(), nil
}

func (c *nodeClient) PendingNonce(context.Context, string) (uint64, error) {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.n.pending, nil
}

func (c *nodeClient) LatestNonce(context.Context, string) (uint64, error) {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.n.latest, nil
}

func (c *nodeClient) TransactionReceipt(context.Context, string) (*rpc.Receipt, error) {
	return nil, nil
}

func (c *nodeClient) TransactionKnown(context.Context, string) (bool, error) { return true, nil }
func (c *nodeClient) BlockNumber(context.Context) (uint64, error)           { return 100, nil }

type fixture struct {
	app    *types.App
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Handlers of hijacked connections may outlive the test, so nothing logs to t.
	logger := zap.NewNop()

	policies, err := chains.NewRegistry(chains.Policy{
		Name:                  "ethereum",
		ChainID:               1,
		RequiredConfirmations: 3,
		PollInterval:          time.Minute,
		DropTimeout:           time.Hour,
	})
	require.NoError(t, err)

	n := &node{pending: 7, latest: 7}
	store := memory.New(nil)
	sel := selector.New(policies, n, selector.WithStore(store), selector.WithLogger(logger))
	_, err = sel.Add(context.Background(), "ethereum", "https://rpc.example", 1)
	require.NoError(t, err)

	sched := scheduler.New(scheduler.WithLogger(logger), scheduler.WithWorkers(4, 64))
	tracker := nonce.New(store, lock.NewMemory(nil), nonce.SelectorSource{Selector: sel}, policies,
		nonce.WithActivity(store), nonce.WithChainCacheTTL(0), nonce.WithLogger(logger))
	hub := pipeline.NewHub(logger, 64)
	svc := pipeline.New(store, sel, tracker, sched, policies,
		pipeline.WithLogger(logger),
		pipeline.WithNotifier(hub),
		pipeline.WithConfig(pipeline.Config{InstanceID: "api-test", Workers: 4}))

	app := &types.App{
		Store:      store,
		Policies:   policies,
		Selector:   sel,
		Health:     selector.NewHealthChecker(sel, logger),
		Nonces:     tracker,
		Scheduler:  sched,
		Pipeline:   svc,
		Hub:        hub,
		AdminToken: adminToken,
		Logger:     logger,
	}
	router, err := controller.NewController(app).NewRouter()
	require.NoError(t, err)
	srv := httptest.NewServer(controller.WithCORS(router))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
		_ = sched.Stop(ctx)
		app.Health.Close()
		sel.Close()
	})
	return &fixture{app: app, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func signed(t *testing.T, chainID int64, n uint64) (raw string, from string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(big.NewInt(chainID)), &ethtypes.LegacyTx{
		Nonce:    n,
		GasPrice: big.NewInt(1e9),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	})
	require.NoError(t, err)
	b, err := tx.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(b), strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestSubmitAndStatus(t *testing.T) {
	f := newFixture(t)
	raw, from := signed(t, 1, 7)

	resp, body := f.do(t, http.MethodPost, "/api/transactions", controller.SubmitRequest{
		Chain: "ethereum", FromAddress: from, SignedTx: raw,
	}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var created controller.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/api/transactions/"+created.ID, nil, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var tx relay.Transaction
		if json.Unmarshal(body, &tx) != nil {
			return false
		}
		return tx.Status == relay.TxBroadcasted && tx.TxHash != "" && tx.Nonce != nil && *tx.Nonce == 7
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	raw, from := signed(t, 1, 0)
	wrongChain, _ := signed(t, 5, 0)

	cases := []struct {
		name string
		body any
	}{
		{"not hex", controller.SubmitRequest{Chain: "ethereum", SignedTx: "zz"}},
		{"unknown chain", controller.SubmitRequest{Chain: "dogecoin", SignedTx: raw}},
		{"wrong chain id", controller.SubmitRequest{Chain: "ethereum", SignedTx: wrongChain}},
		{"wrong sender", controller.SubmitRequest{Chain: "ethereum", FromAddress: "0x0000000000000000000000000000000000000001", SignedTx: raw}},
		{"unknown field", map[string]string{"chain": "ethereum", "signed_tx": raw, "from": from}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/transactions", tc.body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestTransactionNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/transactions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	raw, _ := signed(t, 1, 0)
	resp, _ = f.do(t, http.MethodPost, "/api/transactions/missing/replace", controller.SubmitRequest{SignedTx: raw}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplaceRejectsForeignSigner(t *testing.T) {
	f := newFixture(t)
	raw, _ := signed(t, 1, 7)
	resp, body := f.do(t, http.MethodPost, "/api/transactions", controller.SubmitRequest{Chain: "ethereum", SignedTx: raw}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created controller.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &created))

	require.Eventually(t, func() bool {
		tx, err := f.app.Pipeline.GetStatus(context.Background(), created.ID)
		return err == nil && tx.Status == relay.TxBroadcasted
	}, 3*time.Second, 10*time.Millisecond)

	// Same nonce, different key: the sender no longer matches the original.
	other, _ := signed(t, 1, 7)
	resp, _ = f.do(t, http.MethodPost, "/api/transactions/"+created.ID+"/replace", controller.SubmitRequest{SignedTx: other}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNextNonce(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/nonces/ethereum/0xABC", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out controller.NextNonceResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, uint64(7), out.NextNonce)
	assert.Equal(t, "0xabc", out.Address)
	assert.True(t, out.Advisory)

	// Advisory reads reserve nothing.
	resp, body = f.do(t, http.MethodGet, "/api/nonces/ethereum/0xabc", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, uint64(7), out.NextNonce)

	resp, _ = f.do(t, http.MethodGet, "/api/nonces/dogecoin/0xabc", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileIsAdminOnly(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/nonces/ethereum/0xabc/reconcile", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/nonces/ethereum/0xabc/reconcile", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/nonces/ethereum/0xabc/reconcile", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var report nonce.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, uint64(7), report.ChainNonce)
	assert.Equal(t, "ethereum", report.Chain)
}

func TestEndpointAdministration(t *testing.T) {
	f := newFixture(t)
	prio := 5
	add := controller.EndpointRequest{Chain: "ethereum", URL: "https://backup.example/", Priority: &prio}

	resp, _ := f.do(t, http.MethodPost, "/api/endpoints", add, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/endpoints", add, adminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/endpoints?chain=ethereum", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []selector.Health
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "https://rpc.example", list[0].URL)
	assert.Equal(t, "https://backup.example", list[1].URL)

	prio = 0
	resp, _ = f.do(t, http.MethodPatch, "/api/endpoints", controller.EndpointRequest{Chain: "ethereum", URL: "https://backup.example", Priority: &prio}, adminToken)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	h, err := f.app.Selector.Select("ethereum")
	require.NoError(t, err)
	assert.Equal(t, "https://backup.example", h.Endpoint.URL)

	resp, _ = f.do(t, http.MethodPatch, "/api/endpoints", controller.EndpointRequest{Chain: "ethereum", URL: "https://nope.example", Priority: &prio}, adminToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/endpoints?chain=ethereum&url=https://backup.example", nil, adminToken)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	h, err = f.app.Selector.Select("ethereum")
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example", h.Endpoint.URL)

	resp, _ = f.do(t, http.MethodPost, "/api/endpoints", controller.EndpointRequest{Chain: "dogecoin", URL: "https://x.example"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := f.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, _ := f.do(t, http.MethodOptions, "/api/transactions", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsStatusEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws?chain=ethereum"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	raw, _ := signed(t, 1, 7)
	resp, body := f.do(t, http.MethodPost, "/api/transactions", controller.SubmitRequest{Chain: "ethereum", SignedTx: raw}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created controller.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &created))

	var seen []relay.TxStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(seen) < 3 {
		var msg struct {
			Type    string        `json:"type"`
			Payload relay.TxEvent `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != relay.EventStatus || msg.Payload.ID != created.ID {
			continue
		}
		seen = append(seen, msg.Payload.Status)
	}
	assert.Equal(t, []relay.TxStatus{relay.TxCreated, relay.TxSubmitting, relay.TxBroadcasted}, seen)

	require.NoError(t, conn.WriteJSON(controller.ClientMessage{Action: "subscribe"}))
	var reply controller.ServerMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}
