// Package chains provides the RPC client fabric behind the EVM payment
// mechanisms: one lazily dialed client per chain, all signing with the
// facilitator's relayer key.
package chains

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/x402kit/facilitator/mechanisms/evm"
)

var balanceOfABI ethabi.ABI

func init() {
	var err error
	balanceOfABI, err = ethabi.JSON(bytes.NewReader(evm.ERC20BalanceOfABI))
	if err != nil {
		panic(fmt.Sprintf("balanceOf ABI: %v", err))
	}
}

// ChainClient wraps one chain's RPC connection plus the relayer key. It
// implements evm.ChainBackend.
type ChainClient struct {
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	relayer common.Address

	receiptTimeout time.Duration
	pollInterval   time.Duration

	// Serializes relayer account-nonce assignment so concurrent settles
	// cannot reuse a nonce.
	nonceMu sync.Mutex
}

// NewChainClient dials the RPC endpoint and binds the relayer key to it.
func NewChainClient(rpcURL string, chainID *big.Int, key *ecdsa.PrivateKey, receiptTimeout, pollInterval time.Duration) (*ChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &ChainClient{
		client:         client,
		chainID:        chainID,
		key:            key,
		relayer:        crypto.PubkeyToAddress(key.PublicKey),
		receiptTimeout: receiptTimeout,
		pollInterval:   pollInterval,
	}, nil
}

func (c *ChainClient) ChainID() *big.Int              { return new(big.Int).Set(c.chainID) }
func (c *ChainClient) RelayerAddress() common.Address { return c.relayer }

// GetBalance returns the native balance for a zero token address, else
// the ERC-20 balanceOf.
func (c *ChainClient) GetBalance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		return c.client.BalanceAt(ctx, account, nil)
	}
	data, err := balanceOfABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := c.ReadContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	results, err := balanceOfABI.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("balanceOf decode failed")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf decode failed")
	}
	return balance, nil
}

func (c *ChainClient) ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *ChainClient) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	return c.client.CodeAt(ctx, account, nil)
}

func (c *ChainClient) SimulateCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, ethereum.CallMsg{
		From: c.relayer,
		To:   &to,
		Data: data,
	}, nil)
}

// fees suggests a tip and a fee cap with headroom for two base-fee bumps.
func (c *ChainClient) fees(ctx context.Context) (tipCap, feeCap *big.Int, err error) {
	tipCap, err = c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggesting tip cap: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching head: %w", err)
	}
	feeCap = new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tipCap, feeCap, nil
}

// SendTransaction signs and broadcasts a dynamic-fee transaction from
// the relayer.
func (c *ChainClient) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.relayer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	tipCap, feeCap, err := c.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.relayer,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimating gas: %w", err)
	}

	tx, err := gethtypes.SignNewTx(c.key, gethtypes.NewLondonSigner(c.chainID), &gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcasting transaction: %w", err)
	}
	return tx.Hash(), nil
}

// SendSetCodeTransaction signs and broadcasts an EIP-7702 Type-4
// transaction carrying a single authorization tuple.
func (c *ChainClient) SendSetCodeTransaction(ctx context.Context, to common.Address, data []byte, auth gethtypes.SetCodeAuthorization) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.relayer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	tipCap, feeCap, err := c.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:              c.relayer,
		To:                &to,
		Data:              data,
		AuthorizationList: []gethtypes.SetCodeAuthorization{auth},
	})
	if err != nil {
		// Some nodes cannot estimate with an authorization list yet.
		// Fall back to a flat allowance that covers the delegate call
		// plus the per-authorization cost.
		gas = 400_000
	}

	chainID, overflow := uint256.FromBig(c.chainID)
	if overflow {
		return common.Hash{}, fmt.Errorf("chain id overflows uint256")
	}
	tipCap256, _ := uint256.FromBig(tipCap)
	feeCap256, _ := uint256.FromBig(feeCap)

	tx, err := gethtypes.SignNewTx(c.key, gethtypes.NewPragueSigner(c.chainID), &gethtypes.SetCodeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap256,
		GasFeeCap: feeCap256,
		Gas:       gas,
		To:        to,
		Value:     uint256.NewInt(0),
		Data:      data,
		AuthList:  []gethtypes.SetCodeAuthorization{auth},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing setcode transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcasting setcode transaction: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the
// receipt timeout elapses.
func (c *ChainClient) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not mined within %s", hash.Hex(), c.receiptTimeout)
		case <-ticker.C:
		}
	}
}
