package exact

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/mechanisms/evm"
	"github.com/x402kit/facilitator/noncestore"
)

type verifiedPermit2 struct {
	payer   common.Address
	inner   *evm.ExactPermit2Payload
	backend evm.ChainBackend
}

func (m *Mechanism) verifyPermit2(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, consume bool) (*verifiedPermit2, error) {
	inner, err := evm.Permit2PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, "", err.Error())
	}
	auth := inner.Permit2Authorization
	payer := common.HexToAddress(auth.From)

	if !evm.AcceptedMatches(payload.Accepted, requirements) {
		return nil, x402.NewVerifyError(x402.ReasonAcceptedRequirementsMismatch, payer.Hex(), "accepted requirements do not match")
	}

	// The signature only authorizes the x402 proxy to pull funds. Any
	// other spender could redirect the witness transfer.
	if !evm.EqualAddress(auth.Spender, evm.X402ExactPermit2ProxyAddress) {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(),
			fmt.Sprintf("spender %s is not the x402 permit2 proxy", auth.Spender))
	}

	if !evm.EqualAddress(auth.Witness.To, requirements.PayTo) {
		return nil, x402.NewVerifyError(x402.ReasonRecipientMismatch, payer.Hex(),
			fmt.Sprintf("witness pays %s, requirements demand %s", auth.Witness.To, requirements.PayTo))
	}
	if !evm.EqualAddress(auth.Permitted.Token, requirements.Asset) {
		return nil, x402.NewVerifyError(x402.ReasonAssetMismatch, payer.Hex(),
			fmt.Sprintf("permitted token %s does not match asset %s", auth.Permitted.Token, requirements.Asset))
	}

	amount, err := evm.ParseBig(auth.Permitted.Amount)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	required, err := evm.ParseBig(requirements.Amount)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid requirements amount")
	}
	if amount.Cmp(required) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientPaymentAmount, payer.Hex(),
			fmt.Sprintf("permitted amount %s below required %s", auth.Permitted.Amount, requirements.Amount))
	}

	deadline, err := evm.ParseBig(auth.Deadline)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid deadline")
	}
	validAfter, err := evm.ParseBig(auth.Witness.ValidAfter)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), "invalid witness validAfter")
	}
	now := m.now().Unix()
	if deadline.Cmp(big.NewInt(now+evm.ExpiryGraceSeconds)) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonExpired, payer.Hex(), "permit deadline has passed")
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return nil, x402.NewVerifyError(x402.ReasonExpired, payer.Hex(), "payment not yet valid")
	}

	chainID, err := evm.ChainIDFromNetwork(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, payer.Hex(), err.Error())
	}
	digest, err := evm.HashPermit2Authorization(auth, chainID)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPayload, payer.Hex(), err.Error())
	}
	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "malformed signature")
	}
	signer, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || signer != payer {
		return nil, x402.NewVerifyError(x402.ReasonInvalidSignature, payer.Hex(), "recovered signer does not match permit owner")
	}

	backend, err := m.backends.Backend(requirements.Network)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedNetwork, payer.Hex(), err.Error())
	}

	nonceKey := noncestore.Key(payer.Hex(), auth.Nonce)
	if m.nonces.Has(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "permit nonce already consumed")
	}

	allowance, err := m.allowance(ctx, backend, auth.Permitted.Token, payer)
	if err != nil {
		return nil, fmt.Errorf("allowance check failed: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientBalance, payer.Hex(),
			"payer has not approved Permit2 for the permitted amount")
	}

	balance, err := m.balanceOf(ctx, backend, auth.Permitted.Token, payer)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientBalance, payer.Hex(),
			fmt.Sprintf("payer balance %s below permitted amount %s", balance, auth.Permitted.Amount))
	}

	// The claim comes last so a payment failing any other check never
	// burns its nonce. Exactly one concurrent settle wins.
	if consume && !m.nonces.CheckAndMark(nonceKey) {
		return nil, x402.NewVerifyError(x402.ReasonNonceUsed, payer.Hex(), "permit nonce already consumed")
	}

	return &verifiedPermit2{payer: payer, inner: inner, backend: backend}, nil
}

func (m *Mechanism) settlePermit2(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	v, err := m.verifyPermit2(ctx, payload, requirements, true)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.InvalidReason, ve.Payer, requirements.Network, "", ve.InvalidMessage)
		}
		return nil, err
	}
	payer := v.payer.Hex()

	data, err := encodePermit2Settle(v.inner)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonInvalidPayload, payer, requirements.Network, "", err.Error())
	}

	txHash, err := v.backend.SendTransaction(ctx, common.HexToAddress(evm.X402ExactPermit2ProxyAddress), data, big.NewInt(0))
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

func encodePermit2Settle(inner *evm.ExactPermit2Payload) ([]byte, error) {
	auth := inner.Permit2Authorization

	amount, err := evm.ParseBig(auth.Permitted.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := evm.ParseBig(auth.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := evm.ParseBig(auth.Deadline)
	if err != nil {
		return nil, err
	}
	validAfter, err := evm.ParseBig(auth.Witness.ValidAfter)
	if err != nil {
		return nil, err
	}
	extra, err := evm.HexToBytes(auth.Witness.Extra)
	if err != nil {
		return nil, fmt.Errorf("invalid witness extra: %w", err)
	}
	sig, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return nil, err
	}

	permit := struct {
		Permitted struct {
			Token  common.Address
			Amount *big.Int
		}
		Nonce    *big.Int
		Deadline *big.Int
	}{
		Nonce:    nonce,
		Deadline: deadline,
	}
	permit.Permitted.Token = common.HexToAddress(auth.Permitted.Token)
	permit.Permitted.Amount = amount

	witness := struct {
		To         common.Address
		ValidAfter *big.Int
		Extra      []byte
	}{
		To:         common.HexToAddress(auth.Witness.To),
		ValidAfter: validAfter,
		Extra:      extra,
	}

	return permit2ProxySettleABI.Pack("settle", permit, common.HexToAddress(auth.From), witness, sig)
}

func (m *Mechanism) allowance(ctx context.Context, backend evm.ChainBackend, token string, owner common.Address) (*big.Int, error) {
	data, err := erc20AllowanceABI.Pack("allowance", owner, common.HexToAddress(evm.PERMIT2Address))
	if err != nil {
		return nil, err
	}
	out, err := backend.ReadContract(ctx, common.HexToAddress(token), data)
	if err != nil {
		return nil, err
	}
	results, err := erc20AllowanceABI.Unpack("allowance", out)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("allowance decode failed")
	}
	allowance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance decode failed")
	}
	return allowance, nil
}
