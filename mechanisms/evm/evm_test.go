package evm

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402kit/facilitator"
)

func TestRecoverSignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256([]byte("message"))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	// Raw 0/1 recovery id.
	recovered, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)

	// Wallet-style 27/28.
	sig[64] += 27
	recovered, err = RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)
}

func TestRecoverSignerRejectsBadLengths(t *testing.T) {
	_, err := RecoverSigner(make([]byte, 31), make([]byte, 65))
	assert.Error(t, err)
	_, err = RecoverSigner(make([]byte, 32), make([]byte, 64))
	assert.Error(t, err)
}

func TestSplitSignatureNormalizesV(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0xaa
	sig[63] = 0xbb
	sig[64] = 1

	r, s, v, err := SplitSignature(sig)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), r[0])
	assert.Equal(t, byte(0xbb), s[31])
	assert.Equal(t, uint8(28), v)
}

func TestHexToBytes(t *testing.T) {
	b, err := HexToBytes("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b, err = HexToBytes("deadbeef")
	require.NoError(t, err)
	assert.Len(t, b, 4)

	_, err = HexToBytes("0xzz")
	assert.Error(t, err)
}

func TestChainIDFromNetwork(t *testing.T) {
	id, err := ChainIDFromNetwork("eip155:8453")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())

	_, err = ChainIDFromNetwork("solana:mainnet")
	assert.Error(t, err)
	_, err = ChainIDFromNetwork("base")
	assert.Error(t, err)
}

func TestAcceptedMatches(t *testing.T) {
	reqs := x402.PaymentRequirements{
		Scheme:  "exact",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "10000",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}

	accepted := reqs
	assert.True(t, AcceptedMatches(accepted, reqs))

	// Address casing must not matter.
	accepted.Asset = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	assert.True(t, AcceptedMatches(accepted, reqs))

	// Accepting more than the required amount is fine; undercutting is not.
	accepted = reqs
	accepted.Amount = "20000"
	assert.True(t, AcceptedMatches(accepted, reqs))

	accepted = reqs
	accepted.Amount = "1"
	assert.False(t, AcceptedMatches(accepted, reqs))

	accepted = reqs
	accepted.Amount = "not-a-number"
	assert.False(t, AcceptedMatches(accepted, reqs))

	// A payload without an accepted echo has nothing to cross-check.
	assert.True(t, AcceptedMatches(x402.PaymentRequirements{}, reqs))

	// Partial echoes only compare the fields they carry.
	accepted = x402.PaymentRequirements{Scheme: "exact", Network: "eip155:84532"}
	assert.True(t, AcceptedMatches(accepted, reqs))
	accepted.Scheme = "eip7702"
	assert.False(t, AcceptedMatches(accepted, reqs))

	accepted = reqs
	accepted.PayTo = "0x0000000000000000000000000000000000000001"
	assert.False(t, AcceptedMatches(accepted, reqs))

	accepted = reqs
	accepted.Network = "eip155:8453"
	assert.False(t, AcceptedMatches(accepted, reqs))
}

func TestSetCodeAuthorizationRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	delegate := common.HexToAddress("0x7702770277027702770277027702770277027702")

	signed, err := gethtypes.SignSetCode(key, gethtypes.SetCodeAuthorization{
		ChainID: *uint256.NewInt(84532),
		Address: delegate,
		Nonce:   5,
	})
	require.NoError(t, err)

	wire := Eip7702Authorization{
		ContractAddress: delegate.Hex(),
		ChainID:         "84532",
		Nonce:           "5",
		R:               BytesToHex(signed.R.Bytes()),
		S:               BytesToHex(signed.S.Bytes()),
		YParity:         fmt.Sprintf("%d", signed.V),
	}

	authority, err := wire.Authority()
	require.NoError(t, err)
	assert.Equal(t, addr, authority)
}

func TestSetCodeAuthorizationRejectsMalformedFields(t *testing.T) {
	base := Eip7702Authorization{
		ContractAddress: "0x7702770277027702770277027702770277027702",
		ChainID:         "1",
		Nonce:           "0",
		R:               "0x01",
		S:               "0x01",
		YParity:         "0",
	}

	bad := base
	bad.ContractAddress = "not-an-address"
	_, err := bad.SetCodeAuthorization()
	assert.Error(t, err)

	bad = base
	bad.YParity = "2"
	_, err = bad.SetCodeAuthorization()
	assert.Error(t, err)

	bad = base
	bad.Nonce = "-1"
	_, err = bad.SetCodeAuthorization()
	assert.Error(t, err)

	bad = base
	bad.ChainID = "0x1f"
	_, err = bad.SetCodeAuthorization()
	assert.Error(t, err)
}

func TestSetCodeAuthorizationDecodesDecimalChainID(t *testing.T) {
	auth := Eip7702Authorization{
		ContractAddress: "0x7702770277027702770277027702770277027702",
		ChainID:         "84532",
		Nonce:           "0",
		R:               "0x01",
		S:               "0x01",
		YParity:         "0",
	}
	decoded, err := auth.SetCodeAuthorization()
	require.NoError(t, err)
	assert.Equal(t, uint64(84532), decoded.ChainID.Uint64())
}

func TestPayloadShapeChecks(t *testing.T) {
	assert.True(t, IsPermit2Payload(map[string]interface{}{"permit2Authorization": map[string]interface{}{}}))
	assert.False(t, IsPermit2Payload(map[string]interface{}{"authorization": map[string]interface{}{}}))

	assert.True(t, IsEIP3009Payload(map[string]interface{}{"authorization": map[string]interface{}{}}))

	eip7702 := map[string]interface{}{
		"authorization": map[string]interface{}{"contractAddress": "0x"},
		"intent":        map[string]interface{}{},
	}
	assert.True(t, IsEip7702Payload(eip7702))
	assert.False(t, IsEip7702Payload(map[string]interface{}{"authorization": map[string]interface{}{}}))
}

func TestEip7702PayloadMapRoundTrip(t *testing.T) {
	payload := &Eip7702Payload{
		Authorization: Eip7702Authorization{
			ContractAddress: "0x7702770277027702770277027702770277027702",
			ChainID:         "84532",
			Nonce:           "0",
			R:               "0x01",
			S:               "0x02",
			YParity:         "1",
		},
		Intent: Eip7702Intent{
			Token:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:   "10000",
			To:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Nonce:    "1",
			Deadline: "1924992000",
		},
		Signature: "0xababab",
	}

	parsed, err := Eip7702PayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, payload, parsed)

	// Native intents omit the token field entirely.
	payload.Intent.Token = ""
	parsed, err = Eip7702PayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.True(t, parsed.Intent.IsNative())
}

func TestEip7702PayloadFromMapMissingFields(t *testing.T) {
	_, err := Eip7702PayloadFromMap(map[string]interface{}{
		"signature": "0x00",
		"intent":    map[string]interface{}{},
	})
	assert.Error(t, err)

	_, err = Eip7702PayloadFromMap(map[string]interface{}{
		"signature":     "0x00",
		"authorization": map[string]interface{}{"contractAddress": "0x"},
	})
	assert.Error(t, err)
}

func TestHashDelegatedTransferIntentDiffersByType(t *testing.T) {
	chainID := big.NewInt(31337)
	payer := "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

	native := Eip7702Intent{Amount: "100", To: payer, Nonce: "1", Deadline: "1924992000"}
	erc20 := native
	erc20.Token = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

	h1, err := HashDelegatedTransferIntent(native, chainID, payer)
	require.NoError(t, err)
	h2, err := HashDelegatedTransferIntent(erc20, chainID, payer)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	// The digest is bound to the payer via the verifying contract.
	h3, err := HashDelegatedTransferIntent(native, chainID, "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
