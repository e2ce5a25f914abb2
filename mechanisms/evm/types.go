package evm

import (
	"fmt"
	"math/big"
)

// TypedDataDomain represents an EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField represents a single field in an EIP-712 type definition.
type TypedDataField struct {
	Name string
	Type string
}

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in smallest unit as decimal string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as decimal string
	ValidBefore string `json:"validBefore"` // Unix timestamp as decimal string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactEIP3009Payload is the exact-scheme payload for EIP-3009 tokens.
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// Permit2TokenPermissions is the permitted token and amount for Permit2.
type Permit2TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Permit2Witness is the witness verified on-chain by the x402 Permit2
// proxy. The upper time bound is Permit2's own deadline field, so the
// witness only carries the lower bound.
type Permit2Witness struct {
	To         string `json:"to"`
	ValidAfter string `json:"validAfter"`
	Extra      string `json:"extra"`
}

// Permit2Authorization maps to the PermitWitnessTransferFrom struct.
type Permit2Authorization struct {
	From      string                  `json:"from"`
	Permitted Permit2TokenPermissions `json:"permitted"`
	Spender   string                  `json:"spender"`
	Nonce     string                  `json:"nonce"`
	Deadline  string                  `json:"deadline"`
	Witness   Permit2Witness          `json:"witness"`
}

// ExactPermit2Payload is the exact-scheme payload for Permit2 transfers.
type ExactPermit2Payload struct {
	Signature            string               `json:"signature"`
	Permit2Authorization Permit2Authorization `json:"permit2Authorization"`
}

// Eip7702Authorization is the signed EIP-7702 authorization tuple that
// installs the delegate contract at the payer address.
type Eip7702Authorization struct {
	ContractAddress string `json:"contractAddress"` // delegate contract (hex)
	ChainID         string `json:"chainId"`         // decimal string; "0" is the any-chain wildcard
	Nonce           string `json:"nonce"`           // account nonce as decimal string
	R               string `json:"r"`               // 32-byte hex
	S               string `json:"s"`               // 32-byte hex
	YParity         string `json:"yParity"`         // "0" or "1"
}

// Eip7702Intent is the EIP-712 transfer intent executed by the delegate.
// Token is empty for native-currency intents.
type Eip7702Intent struct {
	Token    string `json:"token,omitempty"`
	Amount   string `json:"amount"`
	To       string `json:"to"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

// Eip7702Payload is the eip7702-scheme payment payload.
type Eip7702Payload struct {
	Authorization Eip7702Authorization `json:"authorization"`
	Intent        Eip7702Intent        `json:"intent"`
	Signature     string               `json:"signature"`
}

// IsNative reports whether the intent moves native currency.
func (i Eip7702Intent) IsNative() bool {
	return i.Token == "" || i.Token == ZeroAddress
}

// IsPermit2Payload checks whether the inner payload carries a Permit2
// authorization. Used for payload-shape dispatch inside the exact scheme.
func IsPermit2Payload(data map[string]interface{}) bool {
	_, ok := data["permit2Authorization"]
	return ok
}

// IsEIP3009Payload checks whether the inner payload carries an EIP-3009
// authorization.
func IsEIP3009Payload(data map[string]interface{}) bool {
	_, ok := data["authorization"]
	return ok
}

// IsEip7702Payload checks whether the inner payload carries an EIP-7702
// authorization tuple plus a transfer intent.
func IsEip7702Payload(data map[string]interface{}) bool {
	if _, ok := data["intent"]; !ok {
		return false
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = auth["contractAddress"]
	return ok
}

func stringField(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("missing or invalid %s field", key)
	}
	return v, nil
}

// EIP3009PayloadFromMap creates an ExactEIP3009Payload from the open
// payload map. Returns an error if required fields are missing or malformed.
func EIP3009PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}

	sig, err := stringField(data, "signature")
	if err != nil {
		return nil, err
	}
	payload.Signature = sig

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := []struct {
		key string
		dst *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, err := stringField(auth, f.key)
		if err != nil {
			return nil, fmt.Errorf("authorization.%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return payload, nil
}

// Permit2PayloadFromMap creates an ExactPermit2Payload from the open
// payload map.
func Permit2PayloadFromMap(data map[string]interface{}) (*ExactPermit2Payload, error) {
	payload := &ExactPermit2Payload{}

	sig, err := stringField(data, "signature")
	if err != nil {
		return nil, err
	}
	payload.Signature = sig

	auth, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization field")
	}

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"from", &payload.Permit2Authorization.From},
		{"spender", &payload.Permit2Authorization.Spender},
		{"nonce", &payload.Permit2Authorization.Nonce},
		{"deadline", &payload.Permit2Authorization.Deadline},
	} {
		v, err := stringField(auth, f.key)
		if err != nil {
			return nil, fmt.Errorf("permit2Authorization.%s: %w", f.key, err)
		}
		*f.dst = v
	}

	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted field")
	}
	if payload.Permit2Authorization.Permitted.Token, err = stringField(permitted, "token"); err != nil {
		return nil, err
	}
	if payload.Permit2Authorization.Permitted.Amount, err = stringField(permitted, "amount"); err != nil {
		return nil, err
	}

	witness, ok := auth["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness field")
	}
	if payload.Permit2Authorization.Witness.To, err = stringField(witness, "to"); err != nil {
		return nil, err
	}
	if payload.Permit2Authorization.Witness.ValidAfter, err = stringField(witness, "validAfter"); err != nil {
		return nil, err
	}
	if extra, ok := witness["extra"].(string); ok {
		payload.Permit2Authorization.Witness.Extra = extra
	} else {
		payload.Permit2Authorization.Witness.Extra = "0x"
	}

	return payload, nil
}

// Eip7702PayloadFromMap creates an Eip7702Payload from the open payload map.
func Eip7702PayloadFromMap(data map[string]interface{}) (*Eip7702Payload, error) {
	payload := &Eip7702Payload{}

	sig, err := stringField(data, "signature")
	if err != nil {
		return nil, err
	}
	payload.Signature = sig

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"contractAddress", &payload.Authorization.ContractAddress},
		{"chainId", &payload.Authorization.ChainID},
		{"nonce", &payload.Authorization.Nonce},
		{"r", &payload.Authorization.R},
		{"s", &payload.Authorization.S},
		{"yParity", &payload.Authorization.YParity},
	} {
		v, err := stringField(auth, f.key)
		if err != nil {
			return nil, fmt.Errorf("authorization.%s: %w", f.key, err)
		}
		*f.dst = v
	}

	intent, ok := data["intent"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid intent field")
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"amount", &payload.Intent.Amount},
		{"to", &payload.Intent.To},
		{"nonce", &payload.Intent.Nonce},
		{"deadline", &payload.Intent.Deadline},
	} {
		v, err := stringField(intent, f.key)
		if err != nil {
			return nil, fmt.Errorf("intent.%s: %w", f.key, err)
		}
		*f.dst = v
	}
	if token, ok := intent["token"].(string); ok {
		payload.Intent.Token = token
	}

	return payload, nil
}

// ToMap converts the payload back to the open map form used on the wire.
func (p *Eip7702Payload) ToMap() map[string]interface{} {
	intent := map[string]interface{}{
		"amount":   p.Intent.Amount,
		"to":       p.Intent.To,
		"nonce":    p.Intent.Nonce,
		"deadline": p.Intent.Deadline,
	}
	if p.Intent.Token != "" {
		intent["token"] = p.Intent.Token
	}
	return map[string]interface{}{
		"authorization": map[string]interface{}{
			"contractAddress": p.Authorization.ContractAddress,
			"chainId":         p.Authorization.ChainID,
			"nonce":           p.Authorization.Nonce,
			"r":               p.Authorization.R,
			"s":               p.Authorization.S,
			"yParity":         p.Authorization.YParity,
		},
		"intent":    intent,
		"signature": p.Signature,
	}
}

// ToMap converts the payload back to the open map form used on the wire.
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// ToMap converts the payload back to the open map form used on the wire.
func (p *ExactPermit2Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"permit2Authorization": map[string]interface{}{
			"from": p.Permit2Authorization.From,
			"permitted": map[string]interface{}{
				"token":  p.Permit2Authorization.Permitted.Token,
				"amount": p.Permit2Authorization.Permitted.Amount,
			},
			"spender":  p.Permit2Authorization.Spender,
			"nonce":    p.Permit2Authorization.Nonce,
			"deadline": p.Permit2Authorization.Deadline,
			"witness": map[string]interface{}{
				"to":         p.Permit2Authorization.Witness.To,
				"validAfter": p.Permit2Authorization.Witness.ValidAfter,
				"extra":      p.Permit2Authorization.Witness.Extra,
			},
		},
	}
}
