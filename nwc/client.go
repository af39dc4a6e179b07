// Package nwc implements a Nostr Wallet Connect (NIP-47) client: the
// control channel used to create Lightning invoices and learn about their
// settlement through a wallet service reached over a Nostr relay.
//
// The relay is a store-and-forward transport, so every logical call is a
// pair of encrypted events correlated by the request event id. One
// background goroutine reads inbound relay messages and dispatches them to
// per-request waiters; settlement notifications feed WaitForPayment
// watchers keyed by payment hash.
package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Default waiting budgets for a single network operation. The invoice's own
// expiry is a separate budget set by the caller.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPayTimeout     = 60 * time.Second
)

// Invoice is the result of CreateInvoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	AmountSats     int64
	Description    string
	ExpiresAt      time.Time
}

// LookupResult is the settlement state of an invoice.
type LookupResult struct {
	Settled   bool
	Preimage  string
	SettledAt time.Time
}

// Payment is the result of PayInvoice.
type Payment struct {
	Preimage    string
	PaymentHash string
}

// Settlement is a payment_received notification.
type Settlement struct {
	PaymentHash string
	Preimage    string
	SettledAt   time.Time
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is an open NWC session. It owns the websocket connection, the
// outstanding-request map and the settlement watcher table; all of that
// state is guarded by a single mutex and fed by one reader goroutine.
type Client struct {
	cfg *Config
	log *log.Logger

	enc            Encryption
	requestTimeout time.Duration
	payTimeout     time.Duration
	pollInterval   time.Duration

	conn *websocket.Conn

	mu       sync.Mutex
	pending  map[string]chan response
	watchers map[string][]chan Settlement
	closed   bool

	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for dropped envelopes and transport noise.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithEncryption selects the payload encryption scheme for outbound
// requests. Inbound payloads are detected by shape, so a wallet answering
// in either scheme is handled.
func WithEncryption(enc Encryption) Option {
	return func(c *Client) { c.enc = enc }
}

// WithRequestTimeout bounds a single request/response exchange.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithPayTimeout bounds a pay_invoice exchange, which routes a payment and
// is slower than bookkeeping calls.
func WithPayTimeout(d time.Duration) Option {
	return func(c *Client) { c.payTimeout = d }
}

// WithPollInterval enables a lookup_invoice poll fallback inside
// WaitForPayment for wallets that do not push settlement notifications.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// Dial connects to the relay named by the NWC URL, subscribes to wallet
// responses and notifications, and starts the dispatch goroutine.
func Dial(ctx context.Context, nwcURL string, opts ...Option) (*Client, error) {
	cfg, err := ParseURL(nwcURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, cfg.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("nwc: dial relay %s: %w", cfg.RelayURL, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{
		cfg:            cfg,
		log:            log.Default(),
		enc:            EncryptionNIP04,
		requestTimeout: DefaultRequestTimeout,
		payTimeout:     DefaultPayTimeout,
		conn:           conn,
		pending:        make(map[string]chan response),
		watchers:       make(map[string][]chan Settlement),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// One persistent subscription covers all responses and notifications
	// addressed to this session's key.
	filter := map[string]any{
		"kinds":   []int{kindResponse, kindNotification, kindNotification2},
		"authors": []string{cfg.WalletPubkey},
		"#p":      []string{cfg.ClientPubkey},
	}
	if err := wsjson.Write(ctx, conn, []any{"REQ", uuid.NewString(), filter}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("nwc: subscribe: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Close tears the session down and fails every outstanding waiter with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.log.Printf("nwc: relay connection lost: %v", err)
	c.conn.Close(websocket.StatusInternalError, "read failed")
}

func (c *Client) readLoop() {
	for {
		var msg []json.RawMessage
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			c.teardown(err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []json.RawMessage) {
	if len(msg) == 0 {
		return
	}
	var typ string
	if err := json.Unmarshal(msg[0], &typ); err != nil {
		return
	}
	switch typ {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg[2], &ev); err != nil {
			c.log.Printf("nwc: dropping unparseable event: %v", err)
			return
		}
		c.handleEvent(&ev)
	case "NOTICE":
		if len(msg) >= 2 {
			c.log.Printf("nwc: relay notice: %s", msg[1])
		}
	case "CLOSED":
		if len(msg) >= 3 {
			c.log.Printf("nwc: relay closed subscription: %s", msg[2])
		}
	case "OK", "EOSE":
		// Publish acks and end-of-stored-events need no handling.
	}
}

func (c *Client) handleEvent(ev *Event) {
	if ev.Pubkey != c.cfg.WalletPubkey {
		c.log.Printf("nwc: dropping event from unexpected sender %s", ev.Pubkey)
		return
	}
	if !ev.Verify() {
		c.log.Printf("nwc: dropping event %s with invalid signature", ev.ID)
		return
	}
	plain, err := decrypt(c.cfg.secretKey, c.cfg.WalletPubkey, ev.Content)
	if err != nil {
		c.log.Printf("nwc: dropping undecryptable event %s: %v", ev.ID, err)
		return
	}

	switch ev.Kind {
	case kindResponse:
		c.handleResponse(ev, plain)
	case kindNotification, kindNotification2:
		c.handleNotification(plain)
	}
}

func (c *Client) handleResponse(ev *Event, plain string) {
	reqID := ev.tagValue("e")
	if reqID == "" {
		c.log.Printf("nwc: dropping response %s without request tag", ev.ID)
		return
	}

	var env struct {
		ResultType string `json:"result_type"`
		Error      *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		c.log.Printf("nwc: dropping malformed response for %s: %v", reqID, err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Printf("nwc: dropping uncorrelated response for %s", reqID)
		return
	}

	if env.Error != nil {
		ch <- response{err: &WalletError{Code: env.Error.Code, Message: env.Error.Message}}
		return
	}
	ch <- response{result: env.Result}
}

func (c *Client) handleNotification(plain string) {
	var env struct {
		Type         string `json:"notification_type"`
		Notification struct {
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"preimage"`
			SettledAt   int64  `json:"settled_at"`
		} `json:"notification"`
	}
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		c.log.Printf("nwc: dropping malformed notification: %v", err)
		return
	}
	if env.Type != "payment_received" || env.Notification.PaymentHash == "" {
		return
	}

	s := Settlement{
		PaymentHash: env.Notification.PaymentHash,
		Preimage:    env.Notification.Preimage,
	}
	if env.Notification.SettledAt > 0 {
		s.SettledAt = time.Unix(env.Notification.SettledAt, 0)
	}

	c.mu.Lock()
	chans := c.watchers[s.PaymentHash]
	delete(c.watchers, s.PaymentHash)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- s // buffered, never blocks the reader
	}
}

// call performs one encrypted request/response exchange. The waiter entry
// is always released, on response, timeout, cancellation or close.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	body, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}{method, params})
	if err != nil {
		return fmt.Errorf("nwc: encode %s: %w", method, err)
	}
	content, err := encrypt(c.enc, c.cfg.secretKey, c.cfg.WalletPubkey, string(body))
	if err != nil {
		return err
	}

	ev := &Event{
		Pubkey:    c.cfg.ClientPubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      kindRequest,
		Tags:      [][]string{{"p", c.cfg.WalletPubkey}},
		Content:   content,
	}
	if err := ev.Sign(c.cfg.secretKey); err != nil {
		return err
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := wsjson.Write(ctx, c.conn, []any{"EVENT", ev}); err != nil {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("nwc: publish %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if out != nil {
			if err := json.Unmarshal(resp.result, out); err != nil {
				return fmt.Errorf("nwc: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
		}
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// CreateInvoice asks the wallet for a new invoice. NWC amounts are
// millisatoshis on the wire; the API is satoshis.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, description string, expiry time.Duration) (*Invoice, error) {
	var res struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	params := map[string]any{
		"amount":      amountSats * 1000,
		"description": description,
		"expiry":      int64(expiry.Seconds()),
	}
	if err := c.call(ctx, "make_invoice", params, c.requestTimeout, &res); err != nil {
		return nil, err
	}
	if res.Invoice == "" {
		return nil, &WalletError{Code: "INTERNAL", Message: "make_invoice returned no invoice"}
	}
	inv := &Invoice{
		PaymentRequest: res.Invoice,
		PaymentHash:    res.PaymentHash,
		AmountSats:     amountSats,
		Description:    description,
	}
	if res.ExpiresAt > 0 {
		inv.ExpiresAt = time.Unix(res.ExpiresAt, 0)
	}
	return inv, nil
}

// LookupInvoice fetches the settlement state of an invoice.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*LookupResult, error) {
	var res struct {
		Preimage  string `json:"preimage"`
		SettledAt int64  `json:"settled_at"`
	}
	params := map[string]any{"payment_hash": paymentHash}
	if err := c.call(ctx, "lookup_invoice", params, c.requestTimeout, &res); err != nil {
		return nil, err
	}
	lr := &LookupResult{
		Settled:  res.SettledAt > 0 || res.Preimage != "",
		Preimage: res.Preimage,
	}
	if res.SettledAt > 0 {
		lr.SettledAt = time.Unix(res.SettledAt, 0)
	}
	return lr, nil
}

// PayInvoice pays a bolt11 invoice and returns the settlement preimage.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (*Payment, error) {
	var res struct {
		Preimage    string `json:"preimage"`
		PaymentHash string `json:"payment_hash"`
	}
	params := map[string]any{"invoice": invoice}
	if err := c.call(ctx, "pay_invoice", params, c.payTimeout, &res); err != nil {
		return nil, err
	}
	if res.Preimage == "" {
		return nil, &WalletError{Code: "INTERNAL", Message: "pay_invoice returned no preimage"}
	}
	return &Payment{Preimage: res.Preimage, PaymentHash: res.PaymentHash}, nil
}

// WaitForPayment blocks until the invoice settles, the timeout elapses
// (ErrTimeout), ctx is cancelled, or the session closes. It waits on the
// notification stream keyed by payment hash; when a poll interval is
// configured it additionally falls back to lookup_invoice for wallets that
// do not push notifications. Other calls on the session are unaffected.
func (c *Client) WaitForPayment(ctx context.Context, paymentHash string, timeout time.Duration) (*LookupResult, error) {
	ch := make(chan Settlement, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.watchers[paymentHash] = append(c.watchers[paymentHash], ch)
	c.mu.Unlock()
	defer c.removeWatcher(paymentHash, ch)

	// The invoice may have settled before the watch was installed.
	if lr, err := c.LookupInvoice(ctx, paymentHash); err == nil && lr.Settled {
		return lr, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pollC <-chan time.Time
	if c.pollInterval > 0 {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		select {
		case s := <-ch:
			return &LookupResult{Settled: true, Preimage: s.Preimage, SettledAt: s.SettledAt}, nil
		case <-pollC:
			// Transient lookup errors are ignored while polling.
			if lr, err := c.LookupInvoice(ctx, paymentHash); err == nil && lr.Settled {
				return lr, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: no settlement for %s within %s", ErrTimeout, paymentHash, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}
}

func (c *Client) removeWatcher(paymentHash string, ch chan Settlement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.watchers[paymentHash]
	for i, w := range chans {
		if w == ch {
			c.watchers[paymentHash] = append(chans[:i:i], chans[i+1:]...)
			break
		}
	}
	if len(c.watchers[paymentHash]) == 0 {
		delete(c.watchers, paymentHash)
	}
}
