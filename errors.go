package x402

import "fmt"

// Stable, machine-readable failure reasons. These strings cross the HTTP
// boundary verbatim in invalidReason / errorReason fields, so they must
// never change once published.
const (
	ReasonInvalidSignature             = "InvalidSignature"
	ReasonExpired                      = "Expired"
	ReasonNonceUsed                    = "NonceUsed"
	ReasonInsufficientBalance          = "InsufficientBalance"
	ReasonInsufficientPaymentAmount    = "InsufficientPaymentAmount"
	ReasonUntrustedDelegate            = "UntrustedDelegate"
	ReasonInvalidPayload               = "InvalidPayload"
	ReasonChainIdMismatch              = "ChainIdMismatch"
	ReasonRecipientMismatch            = "RecipientMismatch"
	ReasonAssetMismatch                = "AssetMismatch"
	ReasonAcceptedRequirementsMismatch = "AcceptedRequirementsMismatch"
	ReasonTransactionSimulationFailed  = "TransactionSimulationFailed"
	ReasonTransactionReverted          = "TransactionReverted"
	ReasonUnsupportedNetwork           = "UnsupportedNetwork"
)

// VerifyError represents a payment verification failure. All verification
// failures, business and system, are returned as errors; the registry
// flattens them into a VerifyResponse so nothing throws across HTTP.
type VerifyError struct {
	InvalidReason  string // stable reason code
	Payer          string // payer address, if known by the time of failure
	InvalidMessage string // optional human-readable detail
}

func (e *VerifyError) Error() string {
	if e.InvalidMessage != "" {
		return fmt.Sprintf("%s: %s", e.InvalidReason, e.InvalidMessage)
	}
	return e.InvalidReason
}

// NewVerifyError creates a new verification error.
func NewVerifyError(reason string, payer string, message string) *VerifyError {
	return &VerifyError{
		InvalidReason:  reason,
		Payer:          payer,
		InvalidMessage: message,
	}
}

// SettleError represents a payment settlement failure. Transaction carries
// the hash when a transaction was broadcast before the failure (e.g. an
// on-chain revert).
type SettleError struct {
	ErrorReason  string
	Payer        string
	Network      Network
	Transaction  string
	ErrorMessage string
}

func (e *SettleError) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("%s: %s", e.ErrorReason, e.ErrorMessage)
	}
	return e.ErrorReason
}

// NewSettleError creates a new settlement error.
func NewSettleError(reason string, payer string, network Network, transaction string, message string) *SettleError {
	return &SettleError{
		ErrorReason:  reason,
		Payer:        payer,
		Network:      network,
		Transaction:  transaction,
		ErrorMessage: message,
	}
}
