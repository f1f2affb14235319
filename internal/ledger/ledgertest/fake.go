// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/shopspring/decimal"
)

// Fake is a scriptable ledger. Payments succeed unless errors were queued
// with FailNext; every successful payment is appended to both accounts'
// histories so the reconciler can observe it.
type Fake struct {
	mu        sync.Mutex
	seq       int64
	balances  map[string]decimal.Decimal
	history   map[string][]ledger.Entry
	sendErrs  []error
	listErrs  map[string]error
	payments  []ledger.PaymentRequest
	sendCalls int
	listCalls int

	// SendGate, when set, blocks SendPayment until it is closed.
	SendGate chan struct{}
	// Sending receives a value each time SendPayment is entered.
	Sending chan string
	// ListGate, when set, blocks ListTransactionsForAccount until it is closed.
	ListGate chan struct{}
	// Listing receives a value each time ListTransactionsForAccount is entered.
	Listing chan string
	// Now stamps generated entries.
	Now func() time.Time
}

func New() *Fake {
	return &Fake{
		seq:      1000,
		balances: map[string]decimal.Decimal{},
		history:  map[string][]ledger.Entry{},
		listErrs: map[string]error{},
		Now:      time.Now,
	}
}

// SetBalance sets the native balance of an account. Accounts without a set
// balance report 1,000,000.
func (f *Fake) SetBalance(account string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = amount
}

// FailNext queues errors returned by subsequent SendPayment calls, in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// FailList makes ListTransactionsForAccount fail for account.
func (f *Fake) FailList(account string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs[account] = err
}

// AddEntry records ledger activity that did not originate from this service.
func (f *Fake) AddEntry(e ledger.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.LedgerTxID == "" {
		f.seq++
		e.LedgerTxID = fmt.Sprintf("ext-%d", f.seq)
	}
	f.appendEntry(e)
}

func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *Fake) Payments() []ledger.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.PaymentRequest(nil), f.payments...)
}

func (f *Fake) SendPayment(ctx context.Context, req ledger.PaymentRequest) (*ledger.PaymentResult, error) {
	f.mu.Lock()
	gate, sending := f.SendGate, f.Sending
	f.mu.Unlock()

	if sending != nil {
		sending <- req.Destination
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	f.seq++
	id := fmt.Sprintf("tx-%d", f.seq)
	f.payments = append(f.payments, req)
	f.appendEntry(ledger.Entry{
		LedgerTxID:     id,
		LedgerSequence: f.seq,
		Timestamp:      f.Now(),
		Amount:         req.Amount,
		Source:         sourceOf(req.SourceSecret),
		Destination:    req.Destination,
		Memo:           req.Memo,
	})
	return &ledger.PaymentResult{LedgerTxID: id, LedgerSequence: f.seq}, nil
}

func (f *Fake) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[account]
	if !ok {
		return decimal.NewFromInt(1_000_000), nil
	}
	return b, nil
}

func (f *Fake) ListTransactionsForAccount(ctx context.Context, account string, limit int) ([]ledger.Entry, error) {
	f.mu.Lock()
	f.listCalls++
	gate, listing := f.ListGate, f.Listing
	f.mu.Unlock()

	if listing != nil {
		listing <- account
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErrs[account]; err != nil {
		return nil, err
	}
	h := f.history[account]
	out := make([]ledger.Entry, 0, limit)
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (f *Fake) appendEntry(e ledger.Entry) {
	f.history[e.Source] = append(f.history[e.Source], e)
	if e.Destination != e.Source {
		f.history[e.Destination] = append(f.history[e.Destination], e)
	}
}

// SecretFor returns the secret the fake maps back to account.
func SecretFor(account string) string {
	return "S-" + account
}

func sourceOf(secret string) string {
	if len(secret) > 2 && secret[:2] == "S-" {
		return secret[2:]
	}
	return secret
}

// Keyring resolves SecretFor(account) for every account.
type Keyring struct{}

func (Keyring) Secret(_ context.Context, account string) (string, error) {
	return SecretFor(account), nil
}
