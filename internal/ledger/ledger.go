// Package ledger defines the contract the treasurer uses to move funds on an
// EVM compatible chain and the go-ethereum backed implementation of it.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"ReliefChain/internal/model"
)

// ErrReceiptNotFound is returned by Receipt while a transaction is not mined.
var ErrReceiptNotFound = errors.New("ledger: receipt not found")

// Payee is a single transfer inside a disbursement.
type Payee struct {
	Address string
	Amount  model.Amount
}

// Disbursement is the unsigned form of one funding decision on chain.
type Disbursement struct {
	Account  string
	Nonce    uint64
	GasPrice *big.Int
	Payees   []Payee
}

// Total returns the value the disbursement moves out of the account.
func (d Disbursement) Total() model.Amount {
	var total model.Amount
	for _, p := range d.Payees {
		total += p.Amount
	}
	return total
}

// SignedTx is a signed transaction ready for broadcast. The hash is final at
// signing time so callers can persist it before the network sees the payload.
type SignedTx struct {
	Hash     string
	Nonce    uint64
	GasPrice *big.Int
	Raw      []byte
}

// Receipt is the inclusion proof of a broadcast transaction.
type Receipt struct {
	Hash          string
	Succeeded     bool
	BlockNumber   uint64
	Confirmations uint64
}

// Client is everything the treasurer needs from a ledger.
type Client interface {
	Address(account string) (string, error)
	PendingNonce(ctx context.Context, account string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, account string) (model.Amount, error)
	Sign(ctx context.Context, d Disbursement) (SignedTx, error)
	Send(ctx context.Context, tx SignedTx) error
	Receipt(ctx context.Context, hash string) (Receipt, error)
}

// AmountFromWei truncates a wei value to the minor unit used by the pipeline.
func AmountFromWei(wei *big.Int) model.Amount {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	v := new(big.Int).Quo(wei, big.NewInt(model.GweiPerUnit))
	if !v.IsInt64() {
		return model.Amount(1<<63 - 1)
	}
	return model.Amount(v.Int64())
}
