package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPClient talks to a ledger gateway exposing a Horizon-style JSON API.
//
// Failure classification: transport errors, deadline expiry, 408, 425, 429 and
// every 5xx are transient; all other non-2xx responses are permanent and carry
// the gateway's problem code.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type paymentBody struct {
	SourceSecret string `json:"source_secret"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
	Memo         string `json:"memo,omitempty"`
}

type paymentReply struct {
	ID     string `json:"id"`
	Hash   string `json:"hash"`
	Ledger int64  `json:"ledger"`
}

type accountReply struct {
	ID       string `json:"id"`
	Balances []struct {
		AssetType string `json:"asset_type"`
		Balance   string `json:"balance"`
	} `json:"balances"`
}

type paymentRecord struct {
	Type            string    `json:"type"`
	TransactionHash string    `json:"transaction_hash"`
	Ledger          int64     `json:"ledger"`
	CreatedAt       time.Time `json:"created_at"`
	AssetType       string    `json:"asset_type"`
	Amount          string    `json:"amount"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	StartingBalance string    `json:"starting_balance"`
	Funder          string    `json:"funder"`
	Account         string    `json:"account"`
	Memo            string    `json:"memo"`
}

type paymentsPage struct {
	Embedded struct {
		Records []paymentRecord `json:"records"`
	} `json:"_embedded"`
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func (c *HTTPClient) SendPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	body, err := json.Marshal(paymentBody{
		SourceSecret: req.SourceSecret,
		Destination:  req.Destination,
		Amount:       req.Amount.StringFixed(AmountScale),
		Memo:         TruncateMemo(req.Memo),
	})
	if err != nil {
		return nil, Permanent("send_payment", CodeMalformed, err)
	}

	var reply paymentReply
	if err := c.do(ctx, "send_payment", http.MethodPost, "/payments", body, &reply); err != nil {
		return nil, err
	}

	id := reply.ID
	if id == "" {
		id = reply.Hash
	}
	if id == "" {
		return nil, Transient("send_payment", errors.New("gateway returned no transaction id"))
	}
	c.log.Info("payment submitted", zap.String("ledger_tx_id", id), zap.Int64("ledger", reply.Ledger))
	return &PaymentResult{LedgerTxID: id, LedgerSequence: reply.Ledger}, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var reply accountReply
	if err := c.do(ctx, "get_balance", http.MethodGet, "/accounts/"+url.PathEscape(account), nil, &reply); err != nil {
		return decimal.Zero, err
	}
	for _, b := range reply.Balances {
		if b.AssetType != "native" {
			continue
		}
		bal, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return decimal.Zero, Permanent("get_balance", CodeMalformed, fmt.Errorf("balance %q: %w", b.Balance, err))
		}
		return bal, nil
	}
	return decimal.Zero, nil
}

func (c *HTTPClient) ListTransactionsForAccount(ctx context.Context, account string, limit int) ([]Entry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "desc")
	path := "/accounts/" + url.PathEscape(account) + "/payments?" + q.Encode()

	var page paymentsPage
	if err := c.do(ctx, "list_transactions", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(page.Embedded.Records))
	for _, r := range page.Embedded.Records {
		e, ok, err := r.entry()
		if err != nil {
			c.log.Warn("skipping unreadable ledger record",
				zap.String("account", account), zap.String("ledger_tx_id", r.TransactionHash), zap.Error(err))
			continue
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// entry converts a payment or account-creation record into an Entry.
// Non-native assets and other operation types are ignored.
func (r paymentRecord) entry() (Entry, bool, error) {
	e := Entry{
		LedgerTxID:     r.TransactionHash,
		LedgerSequence: r.Ledger,
		Timestamp:      r.CreatedAt,
		Memo:           r.Memo,
	}
	var raw string
	switch r.Type {
	case "payment":
		if r.AssetType != "native" {
			return Entry{}, false, nil
		}
		raw, e.Source, e.Destination = r.Amount, r.From, r.To
	case "create_account":
		raw, e.Source, e.Destination = r.StartingBalance, r.Funder, r.Account
	default:
		return Entry{}, false, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("amount %q: %w", raw, err)
	}
	e.Amount = amount
	return e, true, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return Permanent(op, CodeMalformed, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Transient(op, fmt.Errorf("decode body: %w", err))
	}
	return nil
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return Transient(op, fmt.Errorf("timeout: %w", err))
	}
	return Transient(op, err)
}

func classifyStatus(op string, status int, payload []byte) error {
	var p problem
	_ = json.Unmarshal(payload, &p)

	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return Transient(op, err)
	}

	code := p.Code
	if code == "" && status == http.StatusNotFound {
		code = CodeAccountNotFound
	}
	return Permanent(op, code, err)
}
