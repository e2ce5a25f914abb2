package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress checks whether the string is a 20-byte hex address.
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// EqualAddress compares two hex addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// HexToBytes converts a hex string to bytes, tolerating a 0x prefix.
func HexToBytes(hexStr string) ([]byte, error) {
	cleaned := strings.TrimPrefix(hexStr, "0x")
	return hex.DecodeString(cleaned)
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

// ParseBig parses a non-negative decimal string into a big.Int.
func ParseBig(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal value: %q", value)
	}
	return n, nil
}

// RecoverSigner recovers the address that produced a 65-byte secp256k1
// signature over the given 32-byte digest. The recovery id is normalized
// from the 27/28 convention wallets use to the 0/1 crypto.SigToPub expects.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SplitSignature splits a 65-byte signature into its r, s and v parts,
// with v in the 27/28 convention contracts expect.
func SplitSignature(signature []byte) (r, s [32]byte, v uint8, err error) {
	if len(signature) != 65 {
		return r, s, 0, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	copy(r[:], signature[:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}
