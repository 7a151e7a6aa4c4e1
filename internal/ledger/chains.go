package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"ReliefChain/internal/config"
	"ReliefChain/internal/model"
	"ReliefChain/pkg/logger"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// Simulated chains only.
	FundUnits   float64 `yaml:"fund_units"`
	BlockMillis int     `yaml:"block_ms"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Network is the ledger selected by configuration.
type Network struct {
	*EthereumClient

	Name      string
	sim       *simulated.Backend
	blockTime time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open resolves the default chain and connects to it. A chain of type
// "simulated" runs an in-process go-ethereum backend whose genesis funds
// every configured account.
func Open(ctx context.Context, cfg config.LedgerConfig) (*Network, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	name := cfg.DefaultChain
	if name == "" {
		names := make([]string, 0, len(defs.Chains))
		for n := range defs.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) > 0 {
			name = names[0]
		}
	}
	def, ok := defs.Chains[name]
	if !ok {
		if strings.TrimSpace(cfg.RPCURL) == "" {
			if name != "" {
				return nil, fmt.Errorf("default chain %s not found in %s", name, cfg.ChainConfig)
			}
			return nil, errors.New("no chain definitions and no rpc_url configured")
		}
		name, def = "default", ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
	}

	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType == "" {
		chainType = "evm"
	}
	switch chainType {
	case "evm":
		keys, err := LoadKeys(cfg.Accounts, false)
		if err != nil {
			return nil, err
		}
		client, err := Dial(ctx, def.RPCURL, EthereumConfig{
			Name:         name,
			Disbursement: cfg.DisbursementAddress,
			GasLimit:     cfg.GasLimit,
			Keys:         keys,
		})
		if err != nil {
			return nil, fmt.Errorf("init chain %s: %w", name, err)
		}
		return &Network{EthereumClient: client, Name: name}, nil
	case "simulated":
		keys, err := LoadKeys(cfg.Accounts, true)
		if err != nil {
			return nil, err
		}
		fund := def.FundUnits
		if fund <= 0 {
			fund = 100
		}
		n, err := NewSimulatedNetwork(name, keys, model.AmountFromUnits(fund), EthereumConfig{
			Disbursement: cfg.DisbursementAddress,
			GasLimit:     cfg.GasLimit,
		})
		if err != nil {
			return nil, err
		}
		if def.BlockMillis > 0 {
			n.blockTime = time.Duration(def.BlockMillis) * time.Millisecond
		}
		return n, nil
	default:
		return nil, fmt.Errorf("chain %s uses unsupported type %s", name, def.Type)
	}
}

// NewSimulatedNetwork starts an in-process chain with each key funded.
func NewSimulatedNetwork(name string, keys map[string]*ecdsa.PrivateKey, fund model.Amount, cfg EthereumConfig) (*Network, error) {
	alloc := types.GenesisAlloc{}
	for _, key := range keys {
		alloc[crypto.PubkeyToAddress(key.PublicKey)] = types.Account{Balance: fund.Wei()}
	}
	sim := simulated.NewBackend(alloc)
	cfg.Name = name
	cfg.Keys = keys
	client, err := NewEthereumClient(sim.Client(), cfg)
	if err != nil {
		_ = sim.Close()
		return nil, err
	}
	client.closer = func() { _ = sim.Close() }
	return &Network{EthereumClient: client, Name: name, sim: sim, blockTime: time.Second}, nil
}

// Commit seals a block on a simulated network. It is a no-op otherwise,
// and after Close.
func (n *Network) Commit() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.sim != nil && !n.closed {
		n.sim.Commit()
	}
}

// Close releases the node connection. Blocks are no longer sealed afterwards.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.EthereumClient.Close()
}

// Run produces blocks on a simulated network until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	if n.sim == nil {
		return nil
	}
	ticker := time.NewTicker(n.blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Commit()
		}
	}
}

// LoadKeys reads hex private keys from the environment variables named by the
// account configuration. With generate set, missing keys are created in
// memory, which is only meaningful for simulated chains.
func LoadKeys(accounts []config.AccountConfig, generate bool) (map[string]*ecdsa.PrivateKey, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(accounts))
	for _, a := range accounts {
		raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(a.PrivateKeyEnv)), "0x")
		if raw == "" {
			if !generate {
				return nil, fmt.Errorf("account %s: environment variable %s is empty", a.Name, a.PrivateKeyEnv)
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return nil, fmt.Errorf("account %s: generate key: %w", a.Name, err)
			}
			logger.Named("ledger").Warn("generated ephemeral key for simulated account",
				"account", a.Name, "address", crypto.PubkeyToAddress(key.PublicKey).Hex())
			keys[a.Name] = key
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("account %s: parse private key: %w", a.Name, err)
		}
		keys[a.Name] = key
	}
	return keys, nil
}

// BufferedGasPrice applies a percentage buffer on top of a suggested gas price.
func BufferedGasPrice(suggested *big.Int, percent int) *big.Int {
	if suggested == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(suggested, big.NewInt(int64(100+percent)))
	out.Add(out, big.NewInt(99))
	return out.Quo(out, big.NewInt(100))
}
