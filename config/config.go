// Package config resolves facilitator settings from CLI flags with
// environment fallbacks. Flags win over the environment.
package config

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const defaultPort = 4022

// Config holds everything the facilitator needs to start.
type Config struct {
	Host              string
	Port              int
	RelayerPrivateKey string
	DelegateAddress   string
	RPCURLs           map[uint64]string
}

// rpcURLFlag collects repeatable --rpc-url chainId=url values.
type rpcURLFlag struct {
	urls map[uint64]string
}

func (f *rpcURLFlag) String() string {
	parts := make([]string, 0, len(f.urls))
	for id, url := range f.urls {
		parts = append(parts, fmt.Sprintf("%d=%s", id, url))
	}
	return strings.Join(parts, ",")
}

func (f *rpcURLFlag) Set(value string) error {
	chainID, url, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected <chainId>=<url>, got %q", value)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(chainID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id in %q", value)
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("empty RPC URL in %q", value)
	}
	f.urls[id] = url
	return nil
}

// Load parses args (without the program name) plus the environment.
func Load(args []string, environ []string) (*Config, error) {
	env := envMap(environ)

	fs := flag.NewFlagSet("facilitator", flag.ContinueOnError)
	host := fs.String("host", envOr(env, "HOST", "0.0.0.0"), "listen host")
	port := fs.Int("port", envInt(env, "PORT", defaultPort), "listen port")
	relayerKey := fs.String("relayer-private-key", env["RELAYER_PRIVATE_KEY"], "relayer private key (hex)")
	delegate := fs.String("delegate-address", env["DELEGATE_ADDRESS"], "trusted EIP-7702 delegate contract address")

	rpcURLs := &rpcURLFlag{urls: rpcURLsFromEnv(env)}
	fs.Var(rpcURLs, "rpc-url", "RPC endpoint as <chainId>=<url>, repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:              *host,
		Port:              *port,
		RelayerPrivateKey: strings.TrimPrefix(strings.TrimSpace(*relayerKey), "0x"),
		DelegateAddress:   strings.TrimSpace(*delegate),
		RPCURLs:           rpcURLs.urls,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RelayerPrivateKey == "" {
		return fmt.Errorf("relayer private key is required (--relayer-private-key or RELAYER_PRIVATE_KEY)")
	}
	if _, err := c.ParseRelayerKey(); err != nil {
		return fmt.Errorf("invalid relayer private key: %w", err)
	}
	if c.DelegateAddress == "" {
		return fmt.Errorf("delegate address is required (--delegate-address or DELEGATE_ADDRESS)")
	}
	if !common.IsHexAddress(c.DelegateAddress) {
		return fmt.Errorf("invalid delegate address: %q", c.DelegateAddress)
	}
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required (--rpc-url or RPC_URL_<chainId>)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// ParseRelayerKey decodes the relayer private key.
func (c *Config) ParseRelayerKey() (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(c.RelayerPrivateKey)
}

// Delegate returns the trusted delegate contract address.
func (c *Config) Delegate() common.Address {
	return common.HexToAddress(c.DelegateAddress)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func envOr(env map[string]string, key, fallback string) string {
	if v, ok := env[key]; ok && v != "" {
		return v
	}
	return fallback
}

func envInt(env map[string]string, key string, fallback int) int {
	if v, ok := env[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// rpcURLsFromEnv scans for RPC_URL_<chainId> variables.
func rpcURLsFromEnv(env map[string]string) map[uint64]string {
	urls := make(map[uint64]string)
	for key, value := range env {
		suffix, ok := strings.CutPrefix(key, "RPC_URL_")
		if !ok || value == "" {
			continue
		}
		if id, err := strconv.ParseUint(suffix, 10, 64); err == nil {
			urls[id] = value
		}
	}
	return urls
}

// Environ is a convenience wrapper for main.
func Environ() []string {
	return os.Environ()
}
