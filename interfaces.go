package x402

import "context"

// SchemeNetworkFacilitator is implemented by facilitator-side payment
// mechanisms. One instance serves every network it is registered for.
type SchemeNetworkFacilitator interface {
	// Scheme returns the scheme identifier, e.g. "exact" or "eip7702".
	Scheme() string

	// CaipFamily returns the CAIP family pattern this mechanism supports.
	// EVM mechanisms return "eip155:*".
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported
	// kinds endpoint, or nil when there is none.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the relayer addresses this mechanism settles
	// with on the given network. Included in the supported response so
	// clients know which addresses will submit transactions.
	GetSigners(network Network) []string

	// Verify checks a payment payload against requirements without side
	// effects. Failures are returned as *VerifyError.
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)

	// Settle re-verifies, consumes the payment nonce and broadcasts the
	// settlement transaction. Failures are returned as *SettleError.
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// AfterSettleHook is invoked for every settle result, success or failure.
// Hooks observe; they must not alter the response, and their errors are
// ignored by the registry.
type AfterSettleHook func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements, result SettleResponse) error
