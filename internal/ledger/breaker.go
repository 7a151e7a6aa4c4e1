package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"ReliefChain/internal/model"
	"ReliefChain/pkg/logger"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures Guarded.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// Guarded short-circuits ledger calls while the node keeps failing at the
// transport level. Rejections by the node do not trip the breaker.
type Guarded struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

var _ Client = (*Guarded)(nil)

// WithBreaker wraps next.
func WithBreaker(name string, next Client, s BreakerSettings) *Guarded {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	log := logger.Named("ledger")
	return &Guarded{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: s.Interval,
			Timeout:  s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= s.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				if err == nil || errors.Is(err, ErrReceiptNotFound) {
					return true
				}
				return !Classify(err).Transient()
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("ledger breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func (g *Guarded) Address(account string) (string, error) { return g.next.Address(account) }

func (g *Guarded) PendingNonce(ctx context.Context, account string) (uint64, error) {
	return guard(g, func() (uint64, error) { return g.next.PendingNonce(ctx, account) })
}

func (g *Guarded) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.next.SuggestGasPrice(ctx) })
}

func (g *Guarded) Balance(ctx context.Context, account string) (model.Amount, error) {
	return guard(g, func() (model.Amount, error) { return g.next.Balance(ctx, account) })
}

// Sign is local and never guarded.
func (g *Guarded) Sign(ctx context.Context, d Disbursement) (SignedTx, error) {
	return g.next.Sign(ctx, d)
}

func (g *Guarded) Send(ctx context.Context, tx SignedTx) error {
	_, err := guard(g, func() (struct{}, error) { return struct{}{}, g.next.Send(ctx, tx) })
	return err
}

func (g *Guarded) Receipt(ctx context.Context, hash string) (Receipt, error) {
	return guard(g, func() (Receipt, error) { return g.next.Receipt(ctx, hash) })
}

func guard[T any](g *Guarded, fn func() (T, error)) (T, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, &Error{Reason: ReasonNetwork, Err: err}
	}
	v, _ := out.(T)
	return v, err
}
