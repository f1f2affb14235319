package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "donation_ledger_breaker_state",
	Help: "Ledger circuit breaker state (0 closed, 1 half-open, 2 open)",
}, []string{"name"})

// BreakerConfig tunes the circuit around the ledger gateway.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// Breaker decorates a Client with a circuit breaker. Only transient failures
// count against the circuit; a permanent rejection means the gateway is up.
// Calls rejected by an open circuit surface as TransientError.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Client, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "ledger"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	breakerState.WithLabelValues(cfg.Name).Set(0)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("ledger circuit state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State returns the current circuit state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) SendPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.SendPayment(ctx, req)
	})
	if err != nil {
		return nil, b.wrap("send_payment", err)
	}
	return res.(*PaymentResult), nil
}

func (b *Breaker) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetBalance(ctx, account)
	})
	if err != nil {
		return decimal.Zero, b.wrap("get_balance", err)
	}
	return res.(decimal.Decimal), nil
}

func (b *Breaker) ListTransactionsForAccount(ctx context.Context, account string, limit int) ([]Entry, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ListTransactionsForAccount(ctx, account, limit)
	})
	if err != nil {
		return nil, b.wrap("list_transactions", err)
	}
	return res.([]Entry), nil
}

func (b *Breaker) wrap(op string, err error) error {
	if NotSent(err) {
		return Transient(op, err)
	}
	return err
}

// NotSent reports whether err means the call was rejected by the circuit and
// never reached the ledger.
func NotSent(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
