package x402

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMechanism struct {
	scheme     string
	signers    []string
	extra      map[string]interface{}
	verifyResp *VerifyResponse
	verifyErr  error
	settleResp *SettleResponse
	settleErr  error

	mu          sync.Mutex
	verifyCalls int
	settleCalls int
}

func (m *stubMechanism) Scheme() string     { return m.scheme }
func (m *stubMechanism) CaipFamily() string { return "eip155:*" }

func (m *stubMechanism) GetExtra(network Network) map[string]interface{} { return m.extra }
func (m *stubMechanism) GetSigners(network Network) []string             { return m.signers }

func (m *stubMechanism) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	m.mu.Lock()
	m.verifyCalls++
	m.mu.Unlock()
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	return m.verifyResp, nil
}

func (m *stubMechanism) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	m.mu.Lock()
	m.settleCalls++
	m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	return m.settleResp, nil
}

func basePayload(scheme string, network Network) PaymentPayload {
	return PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{},
		Accepted: PaymentRequirements{
			Scheme:  scheme,
			Network: network,
		},
	}
}

func baseRequirements(scheme string, network Network) PaymentRequirements {
	return PaymentRequirements{
		Scheme:  scheme,
		Network: network,
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "10000",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func TestFacilitatorVerifyDispatch(t *testing.T) {
	mech := &stubMechanism{
		scheme:     "exact",
		verifyResp: &VerifyResponse{IsValid: true, Payer: "0xabc"},
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	resp := f.Verify(context.Background(), basePayload("exact", "eip155:84532"), baseRequirements("exact", "eip155:84532"))
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xabc", resp.Payer)
	assert.Equal(t, 1, mech.verifyCalls)
}

func TestFacilitatorVerifyWildcardNetwork(t *testing.T) {
	mech := &stubMechanism{
		scheme:     "eip7702",
		verifyResp: &VerifyResponse{IsValid: true},
	}
	f := NewFacilitator()
	f.Register(Network("eip155:*"), mech)

	resp := f.Verify(context.Background(), basePayload("eip7702", "eip155:31337"), baseRequirements("eip7702", "eip155:31337"))
	assert.True(t, resp.IsValid)
}

func TestFacilitatorVerifyUnsupportedNetwork(t *testing.T) {
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), &stubMechanism{scheme: "exact"})

	resp := f.Verify(context.Background(), basePayload("exact", "eip155:1"), baseRequirements("exact", "eip155:1"))
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonUnsupportedNetwork, resp.InvalidReason)

	resp = f.Verify(context.Background(), basePayload("unknown", "eip155:84532"), baseRequirements("unknown", "eip155:84532"))
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonUnsupportedNetwork, resp.InvalidReason)
}

func TestFacilitatorVerifyFlattensVerifyError(t *testing.T) {
	mech := &stubMechanism{
		scheme:    "exact",
		verifyErr: NewVerifyError(ReasonInvalidSignature, "0xpayer", "recovered signer mismatch"),
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	resp := f.Verify(context.Background(), basePayload("exact", "eip155:84532"), baseRequirements("exact", "eip155:84532"))
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonInvalidSignature, resp.InvalidReason)
	assert.Equal(t, "0xpayer", resp.Payer)
}

func TestFacilitatorVerifySchemeFallsBackToRequirements(t *testing.T) {
	mech := &stubMechanism{
		scheme:     "exact",
		verifyResp: &VerifyResponse{IsValid: true},
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	payload := basePayload("", "eip155:84532")
	resp := f.Verify(context.Background(), payload, baseRequirements("exact", "eip155:84532"))
	assert.True(t, resp.IsValid)
}

func TestFacilitatorSettleFlattensSettleError(t *testing.T) {
	mech := &stubMechanism{
		scheme:    "eip7702",
		settleErr: NewSettleError(ReasonTransactionReverted, "0xpayer", "eip155:84532", "0xdeadbeef", "execution reverted"),
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	resp := f.Settle(context.Background(), basePayload("eip7702", "eip155:84532"), baseRequirements("eip7702", "eip155:84532"))
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonTransactionReverted, resp.ErrorReason)
	assert.Equal(t, "0xdeadbeef", resp.Transaction)
	assert.Equal(t, Network("eip155:84532"), resp.Network)
}

func TestFacilitatorSettleUnsupportedNetwork(t *testing.T) {
	f := NewFacilitator()

	resp := f.Settle(context.Background(), basePayload("exact", "eip155:1"), baseRequirements("exact", "eip155:1"))
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonUnsupportedNetwork, resp.ErrorReason)
}

func TestFacilitatorAfterSettleHooks(t *testing.T) {
	mech := &stubMechanism{
		scheme:     "exact",
		settleResp: &SettleResponse{Success: true, Transaction: "0xabc123", Network: "eip155:84532"},
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	var mu sync.Mutex
	var observed []SettleResponse
	f.OnAfterSettle(func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements, result SettleResponse) error {
		mu.Lock()
		observed = append(observed, result)
		mu.Unlock()
		return errors.New("hook failure must not alter the response")
	})

	resp := f.Settle(context.Background(), basePayload("exact", "eip155:84532"), baseRequirements("exact", "eip155:84532"))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xabc123", resp.Transaction)

	require.Len(t, observed, 1)
	assert.True(t, observed[0].Success)
}

func TestFacilitatorAfterSettleHookFiresOnFailure(t *testing.T) {
	mech := &stubMechanism{
		scheme:    "exact",
		settleErr: NewSettleError(ReasonNonceUsed, "0xpayer", "eip155:84532", "", ""),
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), mech)

	called := false
	f.OnAfterSettle(func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements, result SettleResponse) error {
		called = true
		assert.False(t, result.Success)
		return nil
	})

	f.Settle(context.Background(), basePayload("exact", "eip155:84532"), baseRequirements("exact", "eip155:84532"))
	assert.True(t, called)
}

func TestFacilitatorGetSupported(t *testing.T) {
	exact := &stubMechanism{
		scheme:  "exact",
		signers: []string{"0xRelayer1"},
	}
	eip7702 := &stubMechanism{
		scheme:  "eip7702",
		signers: []string{"0xRelayer1"},
		extra:   map[string]interface{}{"delegateAddress": "0xDelegate"},
	}
	f := NewFacilitator()
	f.Register(Network("eip155:84532"), exact)
	f.Register(Network("eip155:84532"), eip7702)
	f.RegisterExtension("bazaar")
	f.RegisterExtension("bazaar")

	supported := f.GetSupported()
	assert.Len(t, supported.Kinds, 2)
	assert.Equal(t, []string{"bazaar"}, supported.Extensions)

	schemes := map[string]SupportedKind{}
	for _, kind := range supported.Kinds {
		assert.Equal(t, 2, kind.X402Version)
		assert.Equal(t, Network("eip155:84532"), kind.Network)
		schemes[kind.Scheme] = kind
	}
	require.Contains(t, schemes, "exact")
	require.Contains(t, schemes, "eip7702")
	assert.Equal(t, "0xDelegate", schemes["eip7702"].Extra["delegateAddress"])

	// Signers from both mechanisms dedupe under one family.
	assert.Equal(t, []string{"0xRelayer1"}, supported.Signers["eip155:*"])
}

func TestNetworkMatch(t *testing.T) {
	assert.True(t, Network("eip155:8453").Match("eip155:8453"))
	assert.True(t, Network("eip155:8453").Match("eip155:*"))
	assert.True(t, Network("eip155:*").Match("eip155:8453"))
	assert.False(t, Network("eip155:8453").Match("eip155:1"))
	assert.False(t, Network("solana:mainnet").Match("eip155:*"))
}

func TestNetworkParse(t *testing.T) {
	ns, ref, err := Network("eip155:84532").Parse()
	require.NoError(t, err)
	assert.Equal(t, "eip155", ns)
	assert.Equal(t, "84532", ref)

	_, _, err = Network("base").Parse()
	assert.Error(t, err)
}
