package chains

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFabricRejectsUnknownNetworks(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := NewFabric(map[uint64]string{84532: "http://localhost:8545"}, key, Options{})

	_, err = f.Backend("eip155:1")
	assert.ErrorContains(t, err, "no RPC endpoint configured")

	_, err = f.Backend("solana:mainnet")
	assert.Error(t, err)

	_, err = f.Backend("garbage")
	assert.Error(t, err)
}

func TestFabricNetworks(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := NewFabric(map[uint64]string{84532: "http://a", 8453: "http://b"}, key, Options{})

	networks := f.Networks()
	assert.ElementsMatch(t, []string{"eip155:84532", "eip155:8453"}, []string{string(networks[0]), string(networks[1])})
}

func TestFabricOptionDefaults(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := NewFabric(nil, key, Options{})
	assert.Equal(t, 30*time.Second, f.opts.ReceiptTimeout)
	assert.Equal(t, time.Second, f.opts.PollInterval)

	f = NewFabric(nil, key, Options{ReceiptTimeout: 5 * time.Second, PollInterval: 100 * time.Millisecond})
	assert.Equal(t, 5*time.Second, f.opts.ReceiptTimeout)
	assert.Equal(t, 100*time.Millisecond, f.opts.PollInterval)
}
