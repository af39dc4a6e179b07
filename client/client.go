// Package client implements an auto-paying HTTP client for L402-gated
// APIs. A request that comes back 402 is paid through the wallet, within a
// configured budget, and retried exactly once with the payment proof.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lntoll/lntoll/l402"
	"github.com/lntoll/lntoll/nwc"
)

// DefaultMaxSats caps what a single request may cost unless overridden.
const DefaultMaxSats = 1000

var (
	// ErrBudgetExceeded means the challenged amount is above the budget
	// ceiling. No payment is attempted.
	ErrBudgetExceeded = errors.New("client: invoice exceeds budget")

	// ErrPaymentTimeout means the payment was sent but settlement was not
	// observed within the waiting budget.
	ErrPaymentTimeout = errors.New("client: payment wait timed out")

	// ErrRepeatChallenge means the server challenged the retried, already
	// paid request. The agent never pays twice for one call.
	ErrRepeatChallenge = errors.New("client: server challenged the paid retry")
)

// Payer pays a Lightning invoice and returns the settlement proof.
// *nwc.Client satisfies it.
type Payer interface {
	PayInvoice(ctx context.Context, invoice string) (*nwc.Payment, error)
}

// Totals is the agent's spend accounting since creation.
type Totals struct {
	Requests  int64
	Payments  int64
	SpentSats int64
}

// Client is the auto-pay agent. Safe for concurrent use.
type Client struct {
	wallet Payer
	httpc  *http.Client
	max    int64
	log    *log.Logger

	mu        sync.Mutex
	requests  int64
	payments  int64
	spentSats int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithMaxSats sets the per-request budget ceiling. Zero or negative
// disables paying entirely.
func WithMaxSats(sats int64) Option {
	return func(c *Client) { c.max = sats }
}

// WithLogger sets the agent's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates an auto-pay agent paying through the given wallet.
func New(wallet Payer, opts ...Option) (*Client, error) {
	if wallet == nil {
		return nil, fmt.Errorf("client: wallet is required")
	}
	c := &Client{
		wallet: wallet,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		max:    DefaultMaxSats,
		log:    log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Totals reports the agent's spend counters.
func (c *Client) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Totals{Requests: c.requests, Payments: c.payments, SpentSats: c.spentSats}
}

// Fetch issues a request to url, paying a 402 challenge if one comes back.
func (c *Client) Fetch(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("client: building request: %w", err)
	}
	return c.Do(req)
}

// Do sends the request and, when challenged, pays and retries once.
// Requests with a body must have GetBody set so the retry can replay it
// (http.NewRequest does this for the common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}

	if c.max <= 0 || challenge.AmountSats > c.max {
		return nil, fmt.Errorf("%w: invoice asks %d sats, budget is %d",
			ErrBudgetExceeded, challenge.AmountSats, c.max)
	}

	c.log.Printf("client: paying %d sats for %s %s", challenge.AmountSats, req.Method, req.URL)
	preimage, err := c.pay(req.Context(), challenge)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.payments++
	c.spentSats += challenge.AmountSats
	c.mu.Unlock()

	retry, err := replay(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization",
		fmt.Sprintf("%s %s:%s", l402.Protocol, challenge.Macaroon, preimage))

	resp, err = c.httpc.Do(retry)
	if err != nil {
		return nil, fmt.Errorf("client: paid retry failed: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		drain(resp)
		return nil, fmt.Errorf("%w (payment hash %s)", ErrRepeatChallenge, challenge.PaymentHash)
	}
	return resp, nil
}

func (c *Client) pay(ctx context.Context, ch *l402.Challenge) (string, error) {
	payment, err := c.wallet.PayInvoice(ctx, ch.Invoice)
	if err != nil {
		if errors.Is(err, nwc.ErrTimeout) {
			return "", fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
		}
		return "", fmt.Errorf("client: paying invoice: %w", err)
	}
	if payment.Preimage == "" {
		return "", fmt.Errorf("client: wallet settled without a preimage")
	}
	return payment.Preimage, nil
}

// readChallenge extracts invoice, macaroon and price from a 402 response,
// preferring the JSON body and falling back to the WWW-Authenticate header.
// The response body is consumed either way.
func readChallenge(resp *http.Response) (*l402.Challenge, error) {
	defer drain(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("client: reading challenge body: %w", err)
	}

	var ch l402.Challenge
	if err := json.Unmarshal(body, &ch); err == nil && ch.Invoice != "" && ch.Macaroon != "" {
		return &ch, nil
	}

	if hdr := l402.ParseChallengeHeader(resp.Header.Get("WWW-Authenticate")); hdr != nil {
		return &l402.Challenge{Invoice: hdr.Invoice, Macaroon: hdr.Macaroon}, nil
	}
	return nil, fmt.Errorf("client: 402 response carries no parseable challenge")
}

// replay builds a fresh copy of the original request for the paid retry.
func replay(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("client: request body cannot be replayed (GetBody unset)")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("client: replaying request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
