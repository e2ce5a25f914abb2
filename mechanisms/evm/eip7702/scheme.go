// Package eip7702 implements the facilitator side of the eip7702 payment
// scheme: a buyer signs an EIP-7702 authorization installing a delegate
// contract at their own address plus an EIP-712 transfer intent, and the
// facilitator's relayer executes the transfer in a Type-4 transaction.
package eip7702

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/mechanisms/evm"
	"github.com/x402kit/facilitator/noncestore"
)

var (
	transferABI    ethabi.ABI
	transferEthABI ethabi.ABI
)

func init() {
	var err error
	transferABI, err = ethabi.JSON(bytes.NewReader(evm.DelegateTransferABI))
	if err != nil {
		panic(fmt.Sprintf("delegate transfer ABI: %v", err))
	}
	transferEthABI, err = ethabi.JSON(bytes.NewReader(evm.DelegateTransferEthABI))
	if err != nil {
		panic(fmt.Sprintf("delegate transferEth ABI: %v", err))
	}
}

// Mechanism settles delegated transfers. It trusts exactly one delegate
// contract address; authorizations naming any other contract are rejected.
type Mechanism struct {
	backends evm.BackendProvider
	nonces   *noncestore.Arbiter
	delegate common.Address
	now      func() time.Time
}

// New creates the eip7702 mechanism.
func New(backends evm.BackendProvider, nonces *noncestore.Arbiter, delegate common.Address) *Mechanism {
	return &Mechanism{
		backends: backends,
		nonces:   nonces,
		delegate: delegate,
		now:      time.Now,
	}
}

func (m *Mechanism) Scheme() string     { return evm.SchemeEip7702 }
func (m *Mechanism) CaipFamily() string { return evm.CaipFamily }

func (m *Mechanism) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{
		"delegateAddress": m.delegate.Hex(),
	}
}

func (m *Mechanism) GetSigners(network x402.Network) []string {
	backend, err := m.backends.Backend(network)
	if err != nil {
		return nil
	}
	return []string{backend.RelayerAddress().Hex()}
}

// verified carries everything the settle path needs from verification.
type verified struct {
	payer   common.Address
	inner   *evm.Eip7702Payload
	backend evm.ChainBackend
	chainID *big.Int
}

// Verify checks the payment without consuming the intent nonce.
func (m *Mechanism) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	v, err := m.verify(ctx, payload, requirements, false)
	if err != nil {
		return nil, err
	}
	return &x402.VerifyResponse{IsValid: true, Payer: v.payer.Hex()}, nil
}

// verify runs the full validation pipeline. With consume set it also
// claims the intent nonce, which is the settle path's at-most-once gate.
func (m *Mechanism) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, consume bool) (*verified, error) {
	if !evm.IsEip7702Payload(payload.Payload) {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", "payload is not an eip7702 payment")
	}
	inner, err := evm.Eip7702PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", err.Error())
	}

	if !evm.AcceptedMatches(payload.Accepted, requirements) {
		return nil, x402.NewVerifyError(x402.ReasonAcceptedRequirementsMismatch, "", "accepted requirements do not match")
	}

	chainID, err := evm.ChainIDFromNetwork(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, "", err.Error())
	}
	authChainID, ok := new(big.Int).SetString(inner.Authorization.ChainID, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", "invalid authorization chainId")
	}
	// Chain id zero is the EIP-7702 any-chain wildcard.
	if authChainID.Sign() != 0 && authChainID.Cmp(chainID) != 0 {
		return nil, x402.NewVerifyError(x402.ReasonChainIdMismatch, "",
			fmt.Sprintf("authorization chainId %s does not match network %s", inner.Authorization.ChainID, requirements.Network))
	}

	if !evm.EqualAddress(inner.Authorization.ContractAddress, m.delegate.Hex()) {
		return nil, x402.NewVerifyError(x402.ReasonUntrustedDelegate, "",
			fmt.Sprintf("authorization delegates to %s", inner.Authorization.ContractAddress))
	}

	payer, err := inner.Authorization.Authority()
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, "", "authorization recovery failed")
	}

	digest, err := evm.HashDelegatedTransferIntent(inner.Intent, chainID, payer.Hex())
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "malformed intent signature")
	}
	intentSigner, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || intentSigner != payer {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "intent signer does not match authorization authority")
	}

	if !evm.EqualAddress(inner.Intent.To, requirements.PayTo) {
		return nil, x402.NewVerifyError(x402.ReasonRecipientMismatch, payer.Hex(),
			fmt.Sprintf("intent pays %s, requirements demand %s", inner.Intent.To, requirements.PayTo))
	}

	amount, err := evm.ParseBig(inner.Intent.Amount)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	required, err := evm.ParseBig(requirements.Amount)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid requirements amount")
	}
	if amount.Cmp(required) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientPaymentAmount, payer.Hex(),
			fmt.Sprintf("intent amount %s below required %s", inner.Intent.Amount, requirements.Amount))
	}

	nativeRequired := evm.EqualAddress(requirements.Asset, evm.ZeroAddress)
	if nativeRequired != inner.Intent.IsNative() {
		return nil, x402.NewVerifyError(x402.ReasonAssetMismatch, payer.Hex(), "intent asset kind does not match requirements")
	}
	if !nativeRequired && !evm.EqualAddress(inner.Intent.Token, requirements.Asset) {
		return nil, x402.NewVerifyError(x402.ReasonAssetMismatch, payer.Hex(),
			fmt.Sprintf("intent token %s does not match asset %s", inner.Intent.Token, requirements.Asset))
	}

	deadline, err := evm.ParseBig(inner.Intent.Deadline)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid intent deadline")
	}
	cutoff := big.NewInt(m.now().Unix() + evm.ExpiryGraceSeconds)
	if deadline.Cmp(cutoff) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonExpired, payer.Hex(),
			fmt.Sprintf("intent deadline %s has passed", inner.Intent.Deadline))
	}

	nonceKey := noncestore.Key(payer.Hex(), inner.Intent.Nonce)
	if m.nonces.Has(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "intent nonce already consumed")
	}

	backend, err := m.backends.Backend(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, payer.Hex(), err.Error())
	}

	token := common.Address{}
	if !inner.Intent.IsNative() {
		token = common.HexToAddress(inner.Intent.Token)
	}
	balance, err := backend.GetBalance(ctx, payer, token)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientBalance, payer.Hex(),
			fmt.Sprintf("payer balance %s below intent amount %s", balance, inner.Intent.Amount))
	}

	// The claim comes last so a payment failing any other check never
	// burns its nonce. Exactly one concurrent settle wins.
	if consume && !m.nonces.CheckAndMark(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "intent nonce already consumed")
	}

	return &verified{payer: payer, inner: inner, backend: backend, chainID: chainID}, nil
}

// Settle re-verifies with nonce consumption and executes the transfer at
// the payer address. Accounts that already carry code get a simulated
// plain transaction; fresh EOAs get a Type-4 transaction bundling the
// authorization tuple. The nonce stays consumed whatever happens after
// it is claimed.
func (m *Mechanism) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	v, err := m.verify(ctx, payload, requirements, true)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.InvalidReason, ve.Payer, requirements.Network, "", ve.InvalidMessage)
		}
		return nil, err
	}
	payer := v.payer.Hex()

	data, err := encodeTransferCall(v.inner)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonInvalidPayload, payer, requirements.Network, "", err.Error())
	}

	code, err := v.backend.GetCode(ctx, v.payer)
	if err != nil {
		return nil, fmt.Errorf("code check failed: %w", err)
	}

	var txHash common.Hash
	if len(code) > 0 {
		// Delegate already installed. Simulate first so an unexecutable
		// call never costs the relayer gas.
		if _, err := v.backend.SimulateCall(ctx, v.payer, data); err != nil {
			return nil, x402.NewSettleError(x402.ReasonTransactionSimulationFailed, payer, requirements.Network, "", err.Error())
		}
		txHash, err = v.backend.SendTransaction(ctx, v.payer, data, big.NewInt(0))
		if err != nil {
			return nil, fmt.Errorf("transaction broadcast failed: %w", err)
		}
	} else {
		// Fresh EOA. eth_call cannot model the authorization taking
		// effect, so the Type-4 transaction goes out unsimulated.
		auth, err := v.inner.Authorization.SetCodeAuthorization()
		if err != nil {
			return nil, x402.NewSettleError(x402.ReasonInvalidPayload, payer, requirements.Network, "", err.Error())
		}
		txHash, err = v.backend.SendSetCodeTransaction(ctx, v.payer, data, auth)
		if err != nil {
			return nil, fmt.Errorf("setcode transaction broadcast failed: %w", err)
		}
	}

	receipt, err := v.backend.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.NewSettleError(err.Error(), payer, requirements.Network, txHash.Hex(), "")
	}
	if receipt.Status == evm.TxStatusFailed {
		return nil, x402.NewSettleError(x402.ReasonTransactionReverted, payer, requirements.Network, txHash.Hex(), "settlement transaction reverted")
	}

	return &x402.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: txHash.Hex(),
		Network:     requirements.Network,
	}, nil
}

func encodeTransferCall(inner *evm.Eip7702Payload) ([]byte, error) {
	amount, err := evm.ParseBig(inner.Intent.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := evm.ParseBig(inner.Intent.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := evm.ParseBig(inner.Intent.Deadline)
	if err != nil {
		return nil, err
	}
	sig, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, err
	}

	if inner.Intent.IsNative() {
		intent := struct {
			Amount   *big.Int
			To       common.Address
			Nonce    *big.Int
			Deadline *big.Int
		}{amount, common.HexToAddress(inner.Intent.To), nonce, deadline}
		return transferEthABI.Pack("transferEth", intent, sig)
	}

	intent := struct {
		Token    common.Address
		Amount   *big.Int
		To       common.Address
		Nonce    *big.Int
		Deadline *big.Int
	}{common.HexToAddress(inner.Intent.Token), amount, common.HexToAddress(inner.Intent.To), nonce, deadline}
	return transferABI.Pack("transfer", intent, sig)
}
