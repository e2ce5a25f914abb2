package chains

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/mechanisms/evm"
)

// Options tunes fabric behavior. Zero values take the defaults.
type Options struct {
	// ReceiptTimeout caps how long settlement waits for a receipt.
	ReceiptTimeout time.Duration
	// PollInterval is the receipt polling cadence.
	PollInterval time.Duration
}

const (
	defaultReceiptTimeout = 30 * time.Second
	defaultPollInterval   = time.Second
)

// Fabric resolves networks to chain clients, dialing each configured RPC
// endpoint at most once. It implements evm.BackendProvider.
type Fabric struct {
	mu      sync.Mutex
	rpcURLs map[uint64]string
	clients map[uint64]*ChainClient
	key     *ecdsa.PrivateKey
	opts    Options
}

// NewFabric creates a fabric over the given chainId to RPC URL map.
func NewFabric(rpcURLs map[uint64]string, key *ecdsa.PrivateKey, opts Options) *Fabric {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Fabric{
		rpcURLs: rpcURLs,
		clients: make(map[uint64]*ChainClient),
		key:     key,
		opts:    opts,
	}
}

// Networks lists the CAIP-2 identifiers of every configured chain.
func (f *Fabric) Networks() []x402.Network {
	networks := make([]x402.Network, 0, len(f.rpcURLs))
	for chainID := range f.rpcURLs {
		networks = append(networks, x402.Network(fmt.Sprintf("eip155:%d", chainID)))
	}
	return networks
}

// Backend returns the chain client for a network, dialing it on first use.
func (f *Fabric) Backend(network x402.Network) (evm.ChainBackend, error) {
	chainID, err := evm.ChainIDFromNetwork(network)
	if err != nil {
		return nil, err
	}
	id := chainID.Uint64()

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[id]; ok {
		return client, nil
	}
	rpcURL, ok := f.rpcURLs[id]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for chain %d", id)
	}
	client, err := NewChainClient(rpcURL, new(big.Int).SetUint64(id), f.key, f.opts.ReceiptTimeout, f.opts.PollInterval)
	if err != nil {
		return nil, err
	}
	f.clients[id] = client
	return client, nil
}
