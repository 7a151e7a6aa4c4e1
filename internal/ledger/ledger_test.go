package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ReliefChain/internal/config"
	"ReliefChain/internal/model"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker"
)

func newTestNetwork(t *testing.T) (*Network, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	n, err := NewSimulatedNetwork("test", map[string]*ecdsa.PrivateKey{"treasury": key}, model.AmountFromUnits(10), EthereumConfig{})
	if err != nil {
		t.Fatalf("simulated network: %v", err)
	}
	t.Cleanup(n.Close)
	return n, key
}

func TestSimulatedDisbursementLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, _ := newTestNetwork(t)

	balance, err := n.Balance(ctx, "treasury")
	if err != nil || balance != model.AmountFromUnits(10) {
		t.Fatalf("unexpected genesis balance %v err %v", balance, err)
	}
	nonce, err := n.PendingNonce(ctx, "treasury")
	if err != nil || nonce != 0 {
		t.Fatalf("unexpected nonce %d err %v", nonce, err)
	}
	price, err := n.SuggestGasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}

	ngo := crypto.PubkeyToAddress(mustKey(t).PublicKey).Hex()
	gov := crypto.PubkeyToAddress(mustKey(t).PublicKey).Hex()
	stx, err := n.Sign(ctx, Disbursement{
		Account:  "treasury",
		Nonce:    nonce,
		GasPrice: BufferedGasPrice(price, 10),
		Payees: []Payee{
			{Address: ngo, Amount: model.AmountFromUnits(0.6)},
			{Address: gov, Amount: model.AmountFromUnits(0.4)},
		},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := n.Receipt(ctx, stx.Hash); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("unsent transaction should have no receipt, got %v", err)
	}
	if err := n.Send(ctx, stx); err != nil {
		t.Fatalf("send: %v", err)
	}
	n.Commit()

	receipt, err := n.Receipt(ctx, stx.Hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !receipt.Succeeded || receipt.Confirmations < 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	err = n.Send(ctx, stx)
	if r := ReasonOf(err); r != ReasonNonceTooLow && r != ReasonAlreadyKnown {
		t.Fatalf("resending a mined transaction should be classified, got %v (%s)", err, r)
	}
}

func TestCommitAfterCloseIsNoop(t *testing.T) {
	n, _ := newTestNetwork(t)
	n.Commit()
	n.Close()
	n.Commit()
	n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Run(ctx); err != nil {
		t.Fatalf("run after close: %v", err)
	}
}

func TestSignRejectsInvalidRecipient(t *testing.T) {
	n, _ := newTestNetwork(t)
	_, err := n.Sign(context.Background(), Disbursement{
		Account:  "treasury",
		GasPrice: big.NewInt(1),
		Payees:   []Payee{{Address: "not-an-address", Amount: 1}},
	})
	var le *Error
	if !errors.As(err, &le) || le.Reason != ReasonInvalidRecipient || le.Recoverable() {
		t.Fatalf("expected unrecoverable invalid recipient, got %v", err)
	}
	if _, err := n.Address("missing"); err == nil {
		t.Fatal("unknown account must fail")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err         error
		reason      Reason
		recoverable bool
	}{
		{errors.New("replacement transaction underpriced"), ReasonReplacementUnderpriced, true},
		{errors.New("transaction underpriced: tip needed 1"), ReasonUnderpriced, true},
		{errors.New("nonce too low: next nonce 4"), ReasonNonceTooLow, true},
		{errors.New("insufficient funds for gas * price + value"), ReasonInsufficientFunds, false},
		{errors.New("intrinsic gas too low"), ReasonIntrinsicGas, false},
		{errors.New("execution reverted"), ReasonReverted, false},
		{context.DeadlineExceeded, ReasonTimeout, true},
		{errors.New("connection reset by peer"), ReasonNetwork, true},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		if got.Reason != tc.reason || got.Recoverable() != tc.recoverable {
			t.Errorf("%v: got %s recoverable=%v", tc.err, got.Reason, got.Recoverable())
		}
	}
	if Classify(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestReceiptPendingAnswers(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{gethcore.NotFound, true},
		{fmt.Errorf("receipt: %w", gethcore.NotFound), true},
		{errors.New("transaction indexing is in progress"), true},
		{errors.New("Transaction indexing is in progress"), true},
		{errors.New("connection refused"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := receiptPending(tc.err); got != tc.want {
			t.Errorf("%v: got %v want %v", tc.err, got, tc.want)
		}
	}
}

func TestBufferedGasPriceRoundsUp(t *testing.T) {
	if got := BufferedGasPrice(big.NewInt(1001), 10); got.Int64() != 1102 {
		t.Fatalf("unexpected buffered price %s", got)
	}
}

type downClient struct {
	Client
	calls int
}

func (d *downClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	d.calls++
	return nil, &Error{Reason: ReasonNetwork, Err: errors.New("dial tcp: refused")}
}

func (d *downClient) Send(context.Context, SignedTx) error {
	d.calls++
	return &Error{Reason: ReasonInsufficientFunds}
}

func TestBreakerIgnoresNodeRejections(t *testing.T) {
	down := &downClient{}
	g := WithBreaker("test", down, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		_ = g.Send(context.Background(), SignedTx{})
	}
	if g.State() != gobreaker.StateClosed {
		t.Fatal("node rejections must not open the breaker")
	}
	for i := 0; i < 3; i++ {
		_, _ = g.SuggestGasPrice(context.Background())
	}
	if g.State() != gobreaker.StateOpen || down.calls != 5 {
		t.Fatalf("breaker should open after transport failures, state=%s calls=%d", g.State(), down.calls)
	}
	if _, err := g.SuggestGasPrice(context.Background()); ReasonOf(err) != ReasonNetwork {
		t.Fatalf("open breaker should look like a network failure, got %v", err)
	}
}

func TestOpenSelectsDefaultChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := "chains:\n  local:\n    type: simulated\n    fund_units: 5\n  other:\n    type: cosmos\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := Open(context.Background(), config.LedgerConfig{
		ChainConfig:  path,
		DefaultChain: "local",
		Accounts:     []config.AccountConfig{{Name: "treasury", PrivateKeyEnv: "RELIEF_TEST_UNSET_KEY"}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()
	if bal, _ := n.Balance(context.Background(), "treasury"); bal != model.AmountFromUnits(5) {
		t.Fatalf("unexpected balance %v", bal)
	}

	if _, err := Open(context.Background(), config.LedgerConfig{ChainConfig: path, DefaultChain: "other"}); err == nil {
		t.Fatal("unsupported chain type must fail")
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}
