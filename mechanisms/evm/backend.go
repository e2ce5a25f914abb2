package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/x402kit/facilitator"
)

// ChainBackend abstracts one chain's RPC surface plus the relayer key
// behind it. The production implementation wraps ethclient; tests supply
// in-memory fakes.
type ChainBackend interface {
	// ChainID returns the chain id the backend is connected to.
	ChainID() *big.Int

	// RelayerAddress is the address settlement transactions are sent from.
	RelayerAddress() common.Address

	// GetBalance returns the account's balance. A zero token address
	// means the native currency; anything else is an ERC-20 balanceOf.
	GetBalance(ctx context.Context, account common.Address, token common.Address) (*big.Int, error)

	// ReadContract executes an eth_call against the contract.
	ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// GetCode returns the code installed at the account.
	GetCode(ctx context.Context, account common.Address) ([]byte, error)

	// SimulateCall executes an eth_call from the relayer, surfacing
	// reverts as errors without broadcasting anything.
	SimulateCall(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// SendTransaction signs and broadcasts a dynamic-fee transaction
	// from the relayer.
	SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)

	// SendSetCodeTransaction signs and broadcasts an EIP-7702 Type-4
	// transaction carrying a single authorization tuple.
	SendSetCodeTransaction(ctx context.Context, to common.Address, data []byte, auth gethtypes.SetCodeAuthorization) (common.Hash, error)

	// WaitForTransactionReceipt polls until the transaction is mined or
	// the backend's receipt timeout elapses.
	WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

// BackendProvider resolves a network identifier to a chain backend.
// Unknown networks fail with an UnsupportedNetwork reason.
type BackendProvider interface {
	Backend(network x402.Network) (ChainBackend, error)
}
