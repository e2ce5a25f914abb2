package x402

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Facilitator routes verify and settle requests to registered payment
// mechanisms and fires after-settle hooks. It is safe for concurrent use.
type Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkFacilitator
	extras  map[Network]map[string]interface{}

	extensions []string

	afterSettleHooks []AfterSettleHook
}

// NewFacilitator creates an empty facilitator registry.
func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extras:     make(map[Network]map[string]interface{}),
		extensions: []string{},
	}
}

// Register binds a mechanism to a network. An optional extra value is
// echoed in the supported response for that (network, scheme) pair.
func (f *Facilitator) Register(network Network, mechanism SchemeNetworkFacilitator, extra ...interface{}) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][mechanism.Scheme()] = mechanism

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][mechanism.Scheme()] = extra[0]
	}
	return f
}

// RegisterExtension registers a protocol extension tag (e.g. "bazaar").
func (f *Facilitator) RegisterExtension(extension string) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// OnAfterSettle registers a hook invoked for every settle result.
func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

// findSchemesByNetwork resolves a network against registered entries,
// honoring wildcard patterns on either side.
func (f *Facilitator) findSchemesByNetwork(network Network) map[string]SchemeNetworkFacilitator {
	if schemes, ok := f.schemes[network]; ok {
		return schemes
	}
	for registered, schemes := range f.schemes {
		if network.Match(registered) {
			return schemes
		}
	}
	return nil
}

// lookup resolves the mechanism for a (payload, requirements) pair.
// Dispatch is by (payload.accepted.scheme falling back to reqs.scheme,
// reqs.network).
func (f *Facilitator) lookup(payload PaymentPayload, requirements PaymentRequirements) (SchemeNetworkFacilitator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	scheme := payload.Accepted.Scheme
	if scheme == "" {
		scheme = requirements.Scheme
	}

	schemes := f.findSchemesByNetwork(requirements.Network)
	if schemes == nil {
		return nil, fmt.Errorf("no mechanism registered for network %s", requirements.Network)
	}
	mechanism := schemes[scheme]
	if mechanism == nil {
		return nil, fmt.Errorf("no mechanism registered for scheme %q on %s", scheme, requirements.Network)
	}
	return mechanism, nil
}

// Verify routes a verification request to the matching mechanism and
// flattens any failure into a structured response. It never returns an
// error to the transport layer.
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) VerifyResponse {
	mechanism, err := f.lookup(payload, requirements)
	if err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedNetwork}
	}

	resp, err := mechanism.Verify(ctx, payload, requirements)
	if err != nil {
		var ve *VerifyError
		if errors.As(err, &ve) {
			return VerifyResponse{IsValid: false, InvalidReason: ve.InvalidReason, Payer: ve.Payer}
		}
		// RPC and other transient failures surface as the underlying message.
		return VerifyResponse{IsValid: false, InvalidReason: err.Error()}
	}
	return *resp
}

// Settle routes a settlement request to the matching mechanism, flattens
// failures and fires the after-settle hooks with the final result.
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) SettleResponse {
	mechanism, err := f.lookup(payload, requirements)
	if err != nil {
		return SettleResponse{Success: false, ErrorReason: ReasonUnsupportedNetwork, Network: requirements.Network}
	}

	var result SettleResponse
	resp, err := mechanism.Settle(ctx, payload, requirements)
	if err != nil {
		var se *SettleError
		if errors.As(err, &se) {
			result = SettleResponse{
				Success:     false,
				ErrorReason: se.ErrorReason,
				Payer:       se.Payer,
				Transaction: se.Transaction,
				Network:     se.Network,
			}
		} else {
			result = SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}
		}
	} else {
		result = *resp
	}

	f.mu.RLock()
	hooks := make([]AfterSettleHook, len(f.afterSettleHooks))
	copy(hooks, f.afterSettleHooks)
	f.mu.RUnlock()

	for _, hook := range hooks {
		_ = hook(ctx, payload, requirements, result)
	}

	return result
}

// GetSupported derives the supported payment kinds, extensions and signer
// addresses from the current registrations.
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)

	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kind := SupportedKind{
				X402Version: 2,
				Scheme:      scheme,
				Network:     network,
			}
			if extra := f.extras[network][scheme]; extra != nil {
				if extraMap, ok := extra.(map[string]interface{}); ok {
					kind.Extra = extraMap
				}
			} else if m := mechanism.GetExtra(network); m != nil {
				kind.Extra = m
			}
			kinds = append(kinds, kind)

			family := mechanism.CaipFamily()
			for _, addr := range mechanism.GetSigners(network) {
				if !containsString(signers[family], addr) {
					signers[family] = append(signers[family], addr)
				}
			}
		}
	}

	extensions := make([]string, len(f.extensions))
	copy(extensions, f.extensions)

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: extensions,
		Signers:    signers,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
