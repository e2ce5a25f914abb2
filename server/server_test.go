package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/discovery"
	"github.com/x402kit/facilitator/mechanisms/evm"
)

type stubMechanism struct {
	verifyResp *x402.VerifyResponse
	verifyErr  error
	settleResp *x402.SettleResponse
	settleErr  error
}

func (m *stubMechanism) Scheme() string     { return "exact" }
func (m *stubMechanism) CaipFamily() string { return "eip155:*" }

func (m *stubMechanism) GetExtra(network x402.Network) map[string]interface{} { return nil }
func (m *stubMechanism) GetSigners(network x402.Network) []string             { return []string{"0xRelayer"} }

func (m *stubMechanism) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return m.verifyResp, m.verifyErr
}

func (m *stubMechanism) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return m.settleResp, m.settleErr
}

type stubBackend struct{}

func (stubBackend) ChainID() *big.Int              { return big.NewInt(84532) }
func (stubBackend) RelayerAddress() common.Address { return common.HexToAddress("0x01") }
func (stubBackend) GetBalance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	return big.NewInt(42), nil
}
func (stubBackend) ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}
func (stubBackend) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}
func (stubBackend) SimulateCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}
func (stubBackend) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubBackend) SendSetCodeTransaction(ctx context.Context, to common.Address, data []byte, auth gethtypes.SetCodeAuthorization) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubBackend) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: 1}, nil
}

type stubProvider struct{}

func (stubProvider) Backend(network x402.Network) (evm.ChainBackend, error) {
	if network != "eip155:84532" {
		return nil, fmt.Errorf("no RPC endpoint configured")
	}
	return stubBackend{}, nil
}

func newTestServer(mech *stubMechanism) (*Server, *discovery.Catalog, *x402.Facilitator) {
	f := x402.NewFacilitator()
	if mech != nil {
		f.Register("eip155:84532", mech)
	}
	f.RegisterExtension("bazaar")
	catalog := discovery.NewCatalog()
	srv := New(f, catalog, stubProvider{}, zap.NewNop())
	return srv, catalog, f
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func settleBody() x402.SettleRequest {
	return x402.SettleRequest{
		PaymentPayload: x402.PaymentPayload{
			X402Version: 2,
			Payload:     map[string]interface{}{},
			Accepted:    x402.PaymentRequirements{Scheme: "exact", Network: "eip155:84532"},
		},
		PaymentRequirements: x402.PaymentRequirements{Scheme: "exact", Network: "eip155:84532"},
	}
}

func TestHealthcheck(t *testing.T) {
	srv, _, _ := newTestServer(nil)
	w := doJSON(t, srv, http.MethodGet, "/healthcheck", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "timestamp")
}

func TestHealthAliasesSupported(t *testing.T) {
	srv, _, _ := newTestServer(&stubMechanism{})
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Kinds, 1)
	assert.Equal(t, []string{"bazaar"}, body.Extensions)
}

func TestSupported(t *testing.T) {
	srv, _, _ := newTestServer(&stubMechanism{})
	w := doJSON(t, srv, http.MethodGet, "/supported", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Kinds, 1)
	assert.Equal(t, "exact", body.Kinds[0].Scheme)
	assert.Equal(t, []string{"bazaar"}, body.Extensions)
	assert.Equal(t, []string{"0xRelayer"}, body.Signers["eip155:*"])
}

func TestVerifyEndpoint(t *testing.T) {
	mech := &stubMechanism{verifyResp: &x402.VerifyResponse{IsValid: true, Payer: "0xabc"}}
	srv, _, _ := newTestServer(mech)

	body := x402.VerifyRequest(settleBody())
	w := doJSON(t, srv, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xabc", resp.Payer)
}

func TestVerifyEndpointFlattensFailure(t *testing.T) {
	mech := &stubMechanism{verifyErr: x402.NewVerifyError(x402.ReasonExpired, "0xabc", "")}
	srv, _, _ := newTestServer(mech)

	w := doJSON(t, srv, http.MethodPost, "/verify", x402.VerifyRequest(settleBody()))
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonExpired, resp.InvalidReason)
}

func TestVerifyEndpointRejectsMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(&stubMechanism{})
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettleEndpoint(t *testing.T) {
	mech := &stubMechanism{settleResp: &x402.SettleResponse{
		Success:     true,
		Transaction: "0xdead",
		Network:     "eip155:84532",
	}}
	srv, _, _ := newTestServer(mech)

	w := doJSON(t, srv, http.MethodPost, "/settle", settleBody())
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xdead", resp.Transaction)
}

func TestSettleFeedsDiscoveryCatalog(t *testing.T) {
	mech := &stubMechanism{settleResp: &x402.SettleResponse{Success: true, Transaction: "0x01", Network: "eip155:84532"}}
	srv, catalog, f := newTestServer(mech)
	f.OnAfterSettle(discovery.CatalogHook(catalog, zap.NewNop()))

	body := settleBody()
	body.PaymentPayload.Resource = &x402.ResourceInfo{URL: "https://api.example.com/paid?user=1"}
	w := doJSON(t, srv, http.MethodPost, "/settle", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/discovery/resources", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list discovery.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "https://api.example.com/paid", list.Items[0].Resource)
	assert.Equal(t, 1, list.Pagination.Total)
}

func TestDiscoveryPaginationParams(t *testing.T) {
	srv, catalog, _ := newTestServer(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, catalog.Upsert(discovery.Resource{
			Resource: fmt.Sprintf("https://api.example.com/r%d", i),
		}))
	}

	w := doJSON(t, srv, http.MethodGet, "/discovery/resources?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list discovery.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Items, 2)
	assert.Equal(t, 5, list.Pagination.Total)
	assert.Equal(t, 2, list.Pagination.Limit)
	assert.Equal(t, 2, list.Pagination.Offset)
}

func TestInfoEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(nil)

	w := doJSON(t, srv, http.MethodGet, "/info?chainId=84532", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "eip155:84532", body["network"])
	assert.Equal(t, "42", body["relayerBalance"])
	assert.Contains(t, body, "uptime")

	w = doJSON(t, srv, http.MethodGet, "/info?chainId=1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/info", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDescribeEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(nil)

	for _, path := range []string{"/verify", "/settle"} {
		w := doJSON(t, srv, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, path, body["endpoint"])
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(nil)

	req := httptest.NewRequest(http.MethodOptions, "/verify", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Payment-Signature")
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(nil)

	w := doJSON(t, srv, http.MethodGet, "/healthcheck", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("X-Request-Id", "my-id")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, "my-id", w.Header().Get("X-Request-Id"))
}
