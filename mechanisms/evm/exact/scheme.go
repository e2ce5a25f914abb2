// Package exact implements the facilitator side of the exact payment
// scheme. The inner payload shape selects the transfer method: an
// EIP-3009 transferWithAuthorization against tokens that support it, or
// a Permit2 witness transfer through the x402 proxy for any ERC-20.
package exact

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
	transferWithAuthVRSABI   ethabi.ABI
	transferWithAuthBytesABI ethabi.ABI
	authorizationStateABI    ethabi.ABI
	erc20BalanceOfABI        ethabi.ABI
	erc20AllowanceABI        ethabi.ABI
	permit2ProxySettleABI    ethabi.ABI
)

func init() {
	for _, entry := range []struct {
		dst *ethabi.ABI
		src []byte
	}{
		{&transferWithAuthVRSABI, evm.TransferWithAuthorizationVRSABI},
		{&transferWithAuthBytesABI, evm.TransferWithAuthorizationBytesABI},
		{&authorizationStateABI, evm.AuthorizationStateABI},
		{&erc20BalanceOfABI, evm.ERC20BalanceOfABI},
		{&erc20AllowanceABI, evm.ERC20AllowanceABI},
		{&permit2ProxySettleABI, evm.X402ExactPermit2ProxySettleABI},
	} {
		parsed, err := ethabi.JSON(bytes.NewReader(entry.src))
		if err != nil {
			panic(fmt.Sprintf("exact scheme ABI: %v", err))
		}
		*entry.dst = parsed
	}
}

// Mechanism settles exact payments.
type Mechanism struct {
	backends evm.BackendProvider
	nonces   *noncestore.Arbiter
	now      func() time.Time
}

// New creates the exact mechanism.
func New(backends evm.BackendProvider, nonces *noncestore.Arbiter) *Mechanism {
	return &Mechanism{
		backends: backends,
		nonces:   nonces,
		now:      time.Now,
	}
}

func (m *Mechanism) Scheme() string     { return evm.SchemeExact }
func (m *Mechanism) CaipFamily() string { return evm.CaipFamily }

func (m *Mechanism) GetExtra(network x402.Network) map[string]interface{} { return nil }

func (m *Mechanism) GetSigners(network x402.Network) []string {
	backend, err := m.backends.Backend(network)
	if err != nil {
		return nil
	}
	return []string{backend.RelayerAddress().Hex()}
}

// Verify dispatches on the inner payload shape.
func (m *Mechanism) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	switch {
	case evm.IsPermit2Payload(payload.Payload):
		v, err := m.verifyPermit2(ctx, payload, requirements, false)
		if err != nil {
			return nil, err
		}
		return &x402.VerifyResponse{IsValid: true, Payer: v.payer.Hex()}, nil
	case evm.IsEIP3009Payload(payload.Payload):
		v, err := m.verifyEIP3009(ctx, payload, requirements, false)
		if err != nil {
			return nil, err
		}
		return &x402.VerifyResponse{IsValid: true, Payer: v.payer.Hex()}, nil
	default:
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", "payload is not an exact payment")
	}
}

// Settle dispatches on the inner payload shape, consuming the payment
// nonce before anything goes on chain.
func (m *Mechanism) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	switch {
	case evm.IsPermit2Payload(payload.Payload):
		return m.settlePermit2(ctx, payload, requirements)
	case evm.IsEIP3009Payload(payload.Payload):
		return m.settleEIP3009(ctx, payload, requirements)
	default:
		return nil, x402.NewSettleError(x402.ReasonInvalidPayload, "", requirements.Network, "", "payload is not an exact payment")
	}
}

type verified3009 struct {
	payer   common.Address
	inner   *evm.ExactEIP3009Payload
	backend evm.ChainBackend
}

// tokenDomain pulls the token's EIP-712 name and version out of the
// requirements extra. EIP-3009 cannot be verified without them.
func tokenDomain(requirements x402.PaymentRequirements) (name, version string, err error) {
	name, _ = requirements.Extra["name"].(string)
	version, _ = requirements.Extra["version"].(string)
	if name == "" || version == "" {
		return "", "", errors.New("requirements extra must carry the token eip712 name and version")
	}
	return name, version, nil
}

func (m *Mechanism) verifyEIP3009(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, consume bool) (*verified3009, error) {
	inner, err := evm.EIP3009PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", err.Error())
	}
	auth := inner.Authorization
	payer := common.HexToAddress(auth.From)

	if !evm.AcceptedMatches(payload.Accepted, requirements) {
		return nil, x402.NewVerifyError(x402.ReasonAcceptedRequirementsMismatch, payer.Hex(), "accepted requirements do not match")
	}

	name, version, err := tokenDomain(requirements)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}

	chainID, err := evm.ChainIDFromNetwork(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, payer.Hex(), err.Error())
	}

	digest, err := evm.HashEIP3009Authorization(auth, chainID, requirements.Asset, name, version)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "malformed signature")
	}
	signer, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || signer != payer {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "recovered signer does not match authorization.from")
	}

	if !evm.EqualAddress(auth.To, requirements.PayTo) {
		return nil, x402.NewVerifyError(x402.ReasonRecipientMismatch, payer.Hex(),
			fmt.Sprintf("authorization pays %s, requirements demand %s", auth.To, requirements.PayTo))
	}

	value, err := evm.ParseBig(auth.Value)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	required, err := evm.ParseBig(requirements.Amount)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid requirements amount")
	}
	if value.Cmp(required) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientPaymentAmount, payer.Hex(),
			fmt.Sprintf("authorization value %s below required %s", auth.Value, requirements.Amount))
	}

	validAfter, err := evm.ParseBig(auth.ValidAfter)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid validAfter")
	}
	validBefore, err := evm.ParseBig(auth.ValidBefore)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid validBefore")
	}
	now := m.now().Unix()
	if validBefore.Cmp(big.NewInt(now+evm.ExpiryGraceSeconds)) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonExpired, payer.Hex(), "authorization validBefore has passed")
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return nil, x402.NewVerifyError(x402.ReasonExpired, payer.Hex(), "authorization not yet valid")
	}

	backend, err := m.backends.Backend(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, payer.Hex(), err.Error())
	}

	nonceKey := noncestore.Key(payer.Hex(), auth.Nonce)
	if m.nonces.Has(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "authorization nonce already consumed")
	}
	// The token contract is the source of truth for nonces settled
	// elsewhere or by an earlier process.
	used, err := m.authorizationState(ctx, backend, requirements.Asset, payer, auth.Nonce)
	if err == nil && used {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "authorization nonce already used on chain")
	}

	balance, err := m.balanceOf(ctx, backend, requirements.Asset, payer)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientBalance, payer.Hex(),
			fmt.Sprintf("payer balance %s below authorization value %s", balance, auth.Value))
	}

	// The claim comes last so a payment failing any other check never
	// burns its nonce. Exactly one concurrent settle wins.
	if consume && !m.nonces.CheckAndMark(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "authorization nonce already consumed")
	}

	return &verified3009{payer: payer, inner: inner, backend: backend}, nil
}

func (m *Mechanism) settleEIP3009(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	v, err := m.verifyEIP3009(ctx, payload, requirements, true)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.InvalidReason, ve.Payer, requirements.Network, "", ve.InvalidMessage)
		}
		return nil, err
	}
	payer := v.payer.Hex()

	data, err := encodeTransferWithAuthorization(v.inner)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonInvalidPayload, payer, requirements.Network, "", err.Error())
	}

	txHash, err := v.backend.SendTransaction(ctx, common.HexToAddress(requirements.Asset), data, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("transaction broadcast failed: %w", err)
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

// encodeTransferWithAuthorization picks the v,r,s overload for 65-byte
// EOA signatures and the bytes overload for everything else.
func encodeTransferWithAuthorization(inner *evm.ExactEIP3009Payload) ([]byte, error) {
	auth := inner.Authorization

	value, err := evm.ParseBig(auth.Value)
	if err != nil {
		return nil, err
	}
	validAfter, err := evm.ParseBig(auth.ValidAfter)
	if err != nil {
		return nil, err
	}
	validBefore, err := evm.ParseBig(auth.ValidBefore)
	if err != nil {
		return nil, err
	}
	nonceBytes, err := evm.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("authorization nonce must be 32 bytes")
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	sig, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, err
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	if len(sig) == 65 {
		r, s, v, err := evm.SplitSignature(sig)
		if err != nil {
			return nil, err
		}
		return transferWithAuthVRSABI.Pack("transferWithAuthorization",
			from, to, value, validAfter, validBefore, nonce, v, r, s)
	}
	return transferWithAuthBytesABI.Pack("transferWithAuthorization",
		from, to, value, validAfter, validBefore, nonce, sig)
}

func (m *Mechanism) authorizationState(ctx context.Context, backend evm.ChainBackend, token string, authorizer common.Address, nonceHex string) (bool, error) {
	nonceBytes, err := evm.HexToBytes(nonceHex)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("nonce must be 32 bytes")
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	data, err := authorizationStateABI.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	out, err := backend.ReadContract(ctx, common.HexToAddress(token), data)
	if err != nil {
		return false, err
	}
	results, err := authorizationStateABI.Unpack("authorizationState", out)
	if err != nil || len(results) != 1 {
		return false, fmt.Errorf("authorizationState decode failed")
	}
	used, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState decode failed")
	}
	return used, nil
}

func (m *Mechanism) balanceOf(ctx context.Context, backend evm.ChainBackend, token string, account common.Address) (*big.Int, error) {
	data, err := erc20BalanceOfABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := backend.ReadContract(ctx, common.HexToAddress(token), data)
	if err != nil {
		return nil, err
	}
	results, err := erc20BalanceOfABI.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("balanceOf decode failed")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf decode failed")
	}
	return balance, nil
}
