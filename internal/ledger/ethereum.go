package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"ReliefChain/internal/model"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// disburseABI is the entry point of the disbursement contract. When no
// contract is configured the payload still documents the split on chain.
const disburseABI = `[{"type":"function","name":"disburse","stateMutability":"payable","inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}]`

var disburseMethod = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(disburseABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Backend mirrors the subset of go-ethereum client methods the ledger needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthereumConfig describes how signed disbursements are built.
type EthereumConfig struct {
	Name string
	// Disbursement is the contract receiving the batched transfer. When empty
	// the transaction is sent to the first payee.
	Disbursement string
	GasLimit     uint64
	Keys         map[string]*ecdsa.PrivateKey
}

// EthereumClient implements Client on an EVM compatible chain.
type EthereumClient struct {
	name         string
	backend      Backend
	closer       func()
	disbursement *common.Address
	gasLimit     uint64
	keys         map[string]*ecdsa.PrivateKey

	mu     sync.Mutex
	signer types.Signer
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, cfg EthereumConfig) (*EthereumClient, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("ledger: rpc url is required")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	client, err := NewEthereumClient(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewEthereumClient wraps an existing backend.
func NewEthereumClient(backend Backend, cfg EthereumConfig) (*EthereumClient, error) {
	if backend == nil {
		return nil, errors.New("ledger: backend is required")
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("ledger: at least one signing key is required")
	}
	c := &EthereumClient{
		name:     cfg.Name,
		backend:  backend,
		gasLimit: cfg.GasLimit,
		keys:     cfg.Keys,
	}
	if c.gasLimit == 0 {
		c.gasLimit = 200_000
	}
	if addr := strings.TrimSpace(cfg.Disbursement); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("ledger: invalid disbursement address %q", addr)
		}
		a := common.HexToAddress(addr)
		c.disbursement = &a
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *EthereumClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Address returns the hex address of a configured account.
func (c *EthereumClient) Address(account string) (string, error) {
	key, err := c.key(account)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func (c *EthereumClient) PendingNonce(ctx context.Context, account string) (uint64, error) {
	key, err := c.key(account)
	if err != nil {
		return 0, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, crypto.PubkeyToAddress(key.PublicKey))
	if err != nil {
		return 0, Classify(err)
	}
	return nonce, nil
}

func (c *EthereumClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return price, nil
}

func (c *EthereumClient) Balance(ctx context.Context, account string) (model.Amount, error) {
	key, err := c.key(account)
	if err != nil {
		return 0, err
	}
	wei, err := c.backend.BalanceAt(ctx, crypto.PubkeyToAddress(key.PublicKey), nil)
	if err != nil {
		return 0, Classify(err)
	}
	return AmountFromWei(wei), nil
}

// Sign builds the disbursement calldata and signs it with the account key.
func (c *EthereumClient) Sign(ctx context.Context, d Disbursement) (SignedTx, error) {
	key, err := c.key(d.Account)
	if err != nil {
		return SignedTx{}, err
	}
	if d.GasPrice == nil || d.GasPrice.Sign() <= 0 {
		return SignedTx{}, &Error{Reason: ReasonUnderpriced, Err: errors.New("gas price must be positive")}
	}
	if len(d.Payees) == 0 {
		return SignedTx{}, &Error{Reason: ReasonInvalidRecipient, Err: errors.New("no payees")}
	}
	recipients := make([]common.Address, 0, len(d.Payees))
	amounts := make([]*big.Int, 0, len(d.Payees))
	for _, p := range d.Payees {
		if !common.IsHexAddress(p.Address) || common.HexToAddress(p.Address) == (common.Address{}) {
			return SignedTx{}, &Error{Reason: ReasonInvalidRecipient, Err: fmt.Errorf("invalid recipient %q", p.Address)}
		}
		recipients = append(recipients, common.HexToAddress(p.Address))
		amounts = append(amounts, p.Amount.Wei())
	}
	data, err := disburseMethod.Pack("disburse", recipients, amounts)
	if err != nil {
		return SignedTx{}, fmt.Errorf("ledger: pack disbursement: %w", err)
	}
	to := recipients[0]
	if c.disbursement != nil {
		to = *c.disbursement
	}

	signer, err := c.txSigner(ctx)
	if err != nil {
		return SignedTx{}, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    d.Nonce,
		GasPrice: new(big.Int).Set(d.GasPrice),
		Gas:      c.gasLimit,
		To:       &to,
		Value:    d.Total().Wei(),
		Data:     data,
	})
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return SignedTx{}, fmt.Errorf("ledger: sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("ledger: encode: %w", err)
	}
	return SignedTx{
		Hash:     signed.Hash().Hex(),
		Nonce:    d.Nonce,
		GasPrice: new(big.Int).Set(d.GasPrice),
		Raw:      raw,
	}, nil
}

// Send broadcasts a previously signed transaction.
func (c *EthereumClient) Send(ctx context.Context, stx SignedTx) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(stx.Raw); err != nil {
		return fmt.Errorf("ledger: decode signed transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return Classify(err)
	}
	return nil
}

// Receipt returns ErrReceiptNotFound while the transaction is unmined.
func (c *EthereumClient) Receipt(ctx context.Context, hash string) (Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if receiptPending(err) {
		return Receipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return Receipt{}, Classify(err)
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Receipt{}, Classify(err)
	}
	out := Receipt{
		Hash:      hash,
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
		if head >= out.BlockNumber {
			out.Confirmations = head - out.BlockNumber + 1
		}
	}
	return out, nil
}

// receiptPending reports whether the node answered a receipt query with
// "not known yet". Nodes still building their transaction index say so
// instead of returning NotFound.
func receiptPending(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gethcore.NotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "transaction indexing is in progress")
}

func (c *EthereumClient) key(account string) (*ecdsa.PrivateKey, error) {
	key, ok := c.keys[account]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown account %q", account)
	}
	return key, nil
}

func (c *EthereumClient) txSigner(ctx context.Context) (types.Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signer != nil {
		return c.signer, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	c.signer = types.LatestSignerForChainID(id)
	return c.signer, nil
}
