package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"forechain/core/events"
	"forechain/core/state"
	"forechain/gateway/middleware"
	"forechain/native/escrow"
	"forechain/storage"
	"forechain/storage/journal"
)

const testJWTSecret = "rpc-test-secret"

var (
	testAdmin  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testBuyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testSeller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testOther  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type testEnv struct {
	server  *Server
	handler http.Handler
	engine  *escrow.Engine
	feed    *events.Feed
	journal *journal.Journal
}

func newTestEnv(t *testing.T, auth bool) *testEnv {
	t.Helper()
	engine := escrow.NewEngine()
	engine.SetState(state.NewManager(storage.NewMemDB()))
	engine.SetAdministrator(testAdmin)
	feed := events.NewFeed(16)
	engine.SetEmitter(feed)
	_, err := engine.Bootstrap(250)
	require.NoError(t, err)

	j, err := journal.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	cfg := ServerConfig{ServiceName: "forechaind-test", Metrics: true}
	if auth {
		cfg.Auth = middleware.AuthConfig{Enabled: true, HMACSecret: testJWTSecret, Issuer: "forechain"}
	}
	srv, err := NewServer(engine, j, feed, cfg, nil)
	require.NoError(t, err)
	return &testEnv{server: srv, handler: srv.Handler(), engine: engine, feed: feed, journal: j}
}

func tokenFor(t *testing.T, addr common.Address) string {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, addr, "forechain", "", time.Minute)
	require.NoError(t, err)
	return token
}

type rpcResult struct {
	status int
	result json.RawMessage
	err    *RPCError
}

func (e *testEnv) call(t *testing.T, token, method string, params interface{}) rpcResult {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rpcResult{status: rec.Code, result: resp.Result, err: resp.Error}
}

func (e *testEnv) mustCall(t *testing.T, token, method string, params interface{}, out interface{}) {
	t.Helper()
	res := e.call(t, token, method, params)
	require.Nil(t, res.err, "%s failed: %+v", method, res.err)
	if out != nil {
		require.NoError(t, json.Unmarshal(res.result, out))
	}
}

func (e *testEnv) fundedProject(t *testing.T) uint64 {
	t.Helper()
	var created ReceiptResult
	e.mustCall(t, "", "escrow_createProject", map[string]string{
		"caller": testBuyer.Hex(), "buyer": testBuyer.Hex(), "seller": testSeller.Hex(),
	}, &created)
	id := created.ProjectID
	e.mustCall(t, "", "escrow_acceptProject", map[string]interface{}{"caller": testSeller.Hex(), "id": id}, nil)
	e.mustCall(t, "", "escrow_addFunds", map[string]interface{}{"caller": testBuyer.Hex(), "id": id, "amount": "10000"}, nil)
	return id
}

func TestJSONRPCLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)

	var submitted ReceiptResult
	env.mustCall(t, "", "escrow_submitAsset", []interface{}{map[string]interface{}{
		"caller": testSeller.Hex(), "id": id, "assetLink": "ipfs://bundle", "instructions": "unpack",
	}}, &submitted)
	require.NotNil(t, submitted.Status)
	require.Equal(t, uint8(escrow.StatusAssetSubmitted), *submitted.Status)

	var info map[string]string
	env.mustCall(t, "", "escrow_getAssetInfo", map[string]interface{}{"id": id}, &info)
	require.Equal(t, "ipfs://bundle", info["assetLink"])
	require.Equal(t, "unpack", info["instructions"])

	var accepted ReceiptResult
	env.mustCall(t, "", "escrow_acceptAsset", map[string]interface{}{"caller": testBuyer.Hex(), "id": id}, &accepted)
	require.True(t, strings.HasPrefix(accepted.TxHash, "0x"))
	require.Equal(t, "250", accepted.Project.Fee)
	require.True(t, accepted.Project.Completed)

	var balance map[string]string
	env.mustCall(t, "", "escrow_getContractBalance", nil, &balance)
	require.Equal(t, "250", balance["balance"])

	var transfers []TransferResult
	env.mustCall(t, "", "escrow_getTransfers", map[string]interface{}{"id": id}, &transfers)
	require.Len(t, transfers, 1)
	require.Equal(t, "payout", transfers[0].Kind)
	require.Equal(t, "9750", transfers[0].Amount)

	var withdrawn ReceiptResult
	env.mustCall(t, "", "escrow_withdrawFees", map[string]string{"caller": testAdmin.Hex()}, &withdrawn)
	require.Equal(t, "250", withdrawn.Amount)

	var admin map[string]string
	env.mustCall(t, "", "escrow_getAdministrator", nil, &admin)
	require.Equal(t, testAdmin.Hex(), admin["administrator"])

	var treasury TreasuryResult
	env.mustCall(t, "", "escrow_getTreasury", nil, &treasury)
	require.Equal(t, "0", treasury.Balance)
	require.Equal(t, "250", treasury.TotalFeesWithdrawn)
}

func TestJSONRPCDisputeFlow(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)
	for i := 0; i < 3; i++ {
		env.mustCall(t, "", "escrow_submitAsset", map[string]interface{}{
			"caller": testSeller.Hex(), "id": id, "assetLink": fmt.Sprintf("ipfs://v%d", i),
		}, nil)
		env.mustCall(t, "", "escrow_rejectAsset", map[string]interface{}{"caller": testBuyer.Hex(), "id": id}, nil)
	}
	var count map[string]uint8
	env.mustCall(t, "", "escrow_getRejectionCount", map[string]interface{}{"id": id}, &count)
	require.Equal(t, uint8(3), count["rejectionCount"])

	var disputed []ProjectResult
	env.mustCall(t, "", "escrow_getDisputedProjects", nil, &disputed)
	require.Len(t, disputed, 1)
	require.Equal(t, "dispute_created", disputed[0].StatusName)

	res := env.call(t, "", "escrow_resolveDispute", map[string]interface{}{"caller": testAdmin.Hex(), "id": id})
	require.NotNil(t, res.err)
	require.Equal(t, codeEscrowInvalidParams, res.err.Code)

	var resolved ReceiptResult
	env.mustCall(t, "", "escrow_resolveDispute", map[string]interface{}{
		"caller": testAdmin.Hex(), "id": id, "favorSeller": false,
	}, &resolved)
	require.True(t, resolved.Project.Refunded)
	require.Equal(t, uint8(escrow.StatusResolvedCompleted), *resolved.Status)
}

func TestJSONRPCErrorCodes(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)

	tests := []struct {
		name       string
		method     string
		params     interface{}
		wantCode   int
		wantStatus int
		wantKind   string
	}{
		{"not found", "escrow_getProjectStatus", map[string]interface{}{"id": 99}, codeEscrowNotFound, http.StatusNotFound, "not_found"},
		{"unauthorized", "escrow_acceptProject", map[string]interface{}{"caller": testOther.Hex(), "id": id}, codeEscrowForbidden, http.StatusForbidden, "unauthorized"},
		{"invalid transition", "escrow_acceptProject", map[string]interface{}{"caller": testSeller.Hex(), "id": id}, codeEscrowConflict, http.StatusConflict, "invalid_transition"},
		{"nothing to withdraw", "escrow_withdrawFees", map[string]string{"caller": testAdmin.Hex()}, codeEscrowConflict, http.StatusConflict, "nothing_to_withdraw"},
		{"fee range", "escrow_updateFeePercentage", map[string]interface{}{"caller": testAdmin.Hex(), "bps": 10001}, codeEscrowInvalidParams, http.StatusBadRequest, "invalid_fee_range"},
		{"invalid parties", "escrow_createProject", map[string]string{"caller": testBuyer.Hex(), "buyer": testBuyer.Hex(), "seller": testBuyer.Hex()}, codeEscrowInvalidParams, http.StatusBadRequest, "invalid_parties"},
		{"bad address", "escrow_getUserProjects", map[string]string{"address": "not-an-address"}, codeEscrowInvalidParams, http.StatusBadRequest, "invalid_params"},
		{"unknown field", "escrow_getProject", map[string]interface{}{"id": id, "extra": true}, codeEscrowInvalidParams, http.StatusBadRequest, "invalid_params"},
		{"bad amount", "escrow_addFunds", map[string]interface{}{"caller": testBuyer.Hex(), "id": id, "amount": "1e18"}, codeEscrowInvalidParams, http.StatusBadRequest, "invalid_params"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := env.call(t, "", tc.method, tc.params)
			require.NotNil(t, res.err)
			require.Equal(t, tc.wantCode, res.err.Code)
			require.Equal(t, tc.wantStatus, res.status)
			data, ok := res.err.Data.(map[string]interface{})
			require.True(t, ok, "error data: %#v", res.err.Data)
			require.Equal(t, tc.wantKind, data["kind"])
		})
	}

	res := env.call(t, "", "escrow_unknown", nil)
	require.Equal(t, codeMethodNotFound, res.err.Code)
}

func TestJSONRPCRequiresMatchingBearerSubject(t *testing.T) {
	env := newTestEnv(t, true)
	params := map[string]string{"caller": testBuyer.Hex(), "buyer": testBuyer.Hex(), "seller": testSeller.Hex()}

	res := env.call(t, "", "escrow_createProject", params)
	require.NotNil(t, res.err)
	require.Equal(t, codeEscrowForbidden, res.err.Code)

	res = env.call(t, tokenFor(t, testOther), "escrow_createProject", params)
	require.NotNil(t, res.err)
	require.Equal(t, codeEscrowForbidden, res.err.Code)

	var created ReceiptResult
	env.mustCall(t, tokenFor(t, testBuyer), "escrow_createProject", params, &created)
	require.Equal(t, uint64(1), created.ProjectID)

	// Reads stay anonymous.
	var status map[string]interface{}
	env.mustCall(t, "", "escrow_getProjectStatus", map[string]interface{}{"id": created.ProjectID}, &status)
	require.Equal(t, "pending", status["statusName"])
}

func TestReceiptsAreJournaled(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)
	env.call(t, "", "escrow_acceptProject", map[string]interface{}{"caller": testOther.Hex(), "id": id})

	var receipts []ReceiptEntryResult
	env.mustCall(t, "", "escrow_getReceipts", map[string]interface{}{"id": id}, &receipts)
	require.Len(t, receipts, 4)
	outcomes := map[string]int{}
	for _, r := range receipts {
		outcomes[r.Outcome]++
		require.NotEmpty(t, r.RequestID)
	}
	require.Equal(t, 3, outcomes["ok"])
	require.Equal(t, 1, outcomes["unauthorized"])

	entries, err := env.journal.ByProject(context.Background(), id, 0)
	require.NoError(t, err)
	var denied *journal.Entry
	for i := range entries {
		if entries[i].Outcome == "unauthorized" {
			denied = &entries[i]
		}
	}
	require.NotNil(t, denied)
	require.Equal(t, "acceptProject", denied.Operation)
	require.Equal(t, testOther.Hex(), denied.Caller)
	require.Empty(t, denied.TxHash)
}

func TestReceiptLookupByTxHash(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)

	var submitted ReceiptResult
	env.mustCall(t, "", "escrow_submitAsset", map[string]interface{}{
		"caller": testSeller.Hex(), "id": id, "assetLink": "ipfs://bundle",
	}, &submitted)

	var entry ReceiptEntryResult
	upper := "0x" + strings.ToUpper(submitted.TxHash[2:])
	env.mustCall(t, "", "escrow_getReceipt", map[string]string{"txHash": upper}, &entry)
	require.Equal(t, "submitAsset", entry.Operation)
	require.Equal(t, id, entry.ProjectID)
	require.Equal(t, submitted.Sequence, entry.Sequence)
	require.Equal(t, "ok", entry.Outcome)

	res := env.call(t, "", "escrow_getReceipt", map[string]string{"txHash": "0x" + strings.Repeat("ab", 32)})
	require.NotNil(t, res.err)
	require.Equal(t, codeEscrowNotFound, res.err.Code)

	res = env.call(t, "", "escrow_getReceipt", map[string]string{"txHash": "0x1234"})
	require.NotNil(t, res.err)
	require.Equal(t, codeEscrowInvalidParams, res.err.Code)
}

func TestRESTProjections(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.fundedProject(t)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get(fmt.Sprintf("/api/v1/projects/%d", id))
	require.Equal(t, http.StatusOK, rec.Code)
	var rest ProjectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))

	var viaRPC ProjectResult
	env.mustCall(t, "", "escrow_getProject", map[string]interface{}{"id": id}, &viaRPC)
	require.Equal(t, viaRPC, rest)

	rec = get("/api/v1/projects/42")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = get("/api/v1/projects/abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get("/api/v1/accounts/" + testSeller.Hex() + "/projects")
	require.Equal(t, http.StatusOK, rec.Code)
	var projects []ProjectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Len(t, projects, 1)

	rec = get("/api/v1/accounts/" + testSeller.Hex() + "/approvals")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Empty(t, projects)

	rec = get("/api/v1/treasury")
	require.Equal(t, http.StatusOK, rec.Code)
	var treasury TreasuryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &treasury))
	require.Equal(t, "10000", treasury.Held)
	require.Equal(t, uint64(250), treasury.FeeBasisPoints)

	rec = get("/api/v1/disputes")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, false)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	env.fundedProject(t)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "forechain_escrow_custody_held")
	require.Contains(t, rec.Body.String(), "forechain_rpc_requests_total")
}

func TestEventsWebsocketStreamsCommittedEvents(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?types=escrow.project.created"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return env.feed.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.fundedProject(t)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var payload EventPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, escrow.EventTypeProjectCreated, payload.Type)
	require.Equal(t, "1", payload.Attributes["id"])
	require.Equal(t, testSeller.Hex(), payload.Attributes["seller"])
	require.NotEmpty(t, payload.Attributes["sequence"])
}

func TestEventsWebsocketReplaysFromCursor(t *testing.T) {
	env := newTestEnv(t, false)
	env.fundedProject(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events?cursor=1", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var payload EventPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, uint64(2), payload.Seq)
	require.Equal(t, escrow.EventTypeProjectAccepted, payload.Type)
}
