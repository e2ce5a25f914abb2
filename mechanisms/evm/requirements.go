package evm

import (
	"fmt"
	"math/big"

	x402 "github.com/x402kit/facilitator"
)

// ChainIDFromNetwork extracts the numeric chain id from an eip155 CAIP-2
// network identifier.
func ChainIDFromNetwork(network x402.Network) (*big.Int, error) {
	namespace, reference, err := network.Parse()
	if err != nil {
		return nil, err
	}
	if namespace != "eip155" {
		return nil, fmt.Errorf("not an eip155 network: %s", network)
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network %s", network)
	}
	return chainID, nil
}

// AcceptedMatches reports whether the buyer's accepted requirements echo
// the seller's. Only fields the buyer actually carried are compared; a
// payload signed against different requirements must not verify. The
// accepted amount may exceed the required amount, never undercut it.
func AcceptedMatches(accepted, requirements x402.PaymentRequirements) bool {
	if accepted.Scheme != "" && accepted.Scheme != requirements.Scheme {
		return false
	}
	if accepted.Network != "" && accepted.Network != requirements.Network {
		return false
	}
	if accepted.Amount != "" {
		acceptedAmount, ok := new(big.Int).SetString(accepted.Amount, 10)
		if !ok {
			return false
		}
		requiredAmount, ok := new(big.Int).SetString(requirements.Amount, 10)
		if !ok {
			return false
		}
		if acceptedAmount.Cmp(requiredAmount) < 0 {
			return false
		}
	}
	if accepted.Asset != "" && !equalAssetOrAddress(accepted.Asset, requirements.Asset) {
		return false
	}
	if accepted.PayTo != "" && !equalAssetOrAddress(accepted.PayTo, requirements.PayTo) {
		return false
	}
	return true
}

func equalAssetOrAddress(a, b string) bool {
	if IsValidAddress(a) && IsValidAddress(b) {
		return EqualAddress(a, b)
	}
	return a == b
}
