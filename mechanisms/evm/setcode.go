package evm

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// SetCodeAuthorization converts the wire authorization into the signed
// tuple go-ethereum expects in a Type-4 transaction.
func (a Eip7702Authorization) SetCodeAuthorization() (gethtypes.SetCodeAuthorization, error) {
	var auth gethtypes.SetCodeAuthorization

	if !IsValidAddress(a.ContractAddress) {
		return auth, fmt.Errorf("invalid contract address: %q", a.ContractAddress)
	}
	auth.Address = common.HexToAddress(a.ContractAddress)

	chainID, err := uint256.FromDecimal(a.ChainID)
	if err != nil {
		return auth, fmt.Errorf("invalid authorization chainId: %q", a.ChainID)
	}
	auth.ChainID = *chainID

	nonce, err := strconv.ParseUint(a.Nonce, 10, 64)
	if err != nil {
		return auth, fmt.Errorf("invalid authorization nonce: %q", a.Nonce)
	}
	auth.Nonce = nonce

	rBytes, err := HexToBytes(a.R)
	if err != nil || len(rBytes) > 32 {
		return auth, fmt.Errorf("invalid authorization r: %q", a.R)
	}
	auth.R = *new(uint256.Int).SetBytes(rBytes)

	sBytes, err := HexToBytes(a.S)
	if err != nil || len(sBytes) > 32 {
		return auth, fmt.Errorf("invalid authorization s: %q", a.S)
	}
	auth.S = *new(uint256.Int).SetBytes(sBytes)

	switch a.YParity {
	case "0":
		auth.V = 0
	case "1":
		auth.V = 1
	default:
		return auth, fmt.Errorf("invalid authorization yParity: %q", a.YParity)
	}

	return auth, nil
}

// Authority recovers the account that signed the authorization tuple.
func (a Eip7702Authorization) Authority() (common.Address, error) {
	auth, err := a.SetCodeAuthorization()
	if err != nil {
		return common.Address{}, err
	}
	return auth.Authority()
}
