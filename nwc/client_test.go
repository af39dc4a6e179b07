package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeRelay is an in-process Nostr relay with an attached NIP-47 wallet
// service. It answers requests according to the configured handler and can
// push settlement notifications.
type fakeRelay struct {
	t *testing.T

	// handle maps an NWC method to its result payload. A nil result with a
	// non-nil walletErr produces an error envelope. A missing method is
	// silently ignored (simulates an unresponsive wallet).
	handle func(method string, params json.RawMessage) (any, *WalletError, bool)

	mu    sync.Mutex
	conn  *websocket.Conn
	subID string
}

func newFakeRelay(t *testing.T, handle func(method string, params json.RawMessage) (any, *WalletError, bool)) (*fakeRelay, string) {
	r := &fakeRelay{t: t, handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)

	relayURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	nwcURL := fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s", walletPub, relayURL, clientSecret)
	return r, nwcURL
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	ctx := req.Context()
	for {
		var msg []json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if len(msg) == 0 {
			continue
		}
		var typ string
		json.Unmarshal(msg[0], &typ)
		switch typ {
		case "REQ":
			var subID string
			json.Unmarshal(msg[1], &subID)
			r.mu.Lock()
			r.subID = subID
			r.mu.Unlock()
		case "EVENT":
			var ev Event
			if err := json.Unmarshal(msg[1], &ev); err != nil {
				continue
			}
			r.handleRequest(ctx, conn, &ev)
		}
	}
}

func (r *fakeRelay) handleRequest(ctx context.Context, conn *websocket.Conn, ev *Event) {
	if !ev.Verify() || ev.Kind != kindRequest {
		return
	}
	plain, err := decrypt(walletSecret, ev.Pubkey, ev.Content)
	if err != nil {
		r.t.Logf("fake relay: decrypt failed: %v", err)
		return
	}
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		return
	}

	result, werr, respond := r.handle(req.Method, req.Params)
	if !respond {
		return
	}

	env := map[string]any{"result_type": req.Method}
	if werr != nil {
		env["error"] = map[string]string{"code": werr.Code, "message": werr.Message}
	} else {
		env["result"] = result
	}
	body, _ := json.Marshal(env)

	r.send(ctx, conn, kindResponse, string(body), [][]string{{"p", ev.Pubkey}, {"e", ev.ID}})
}

func (r *fakeRelay) send(ctx context.Context, conn *websocket.Conn, kind int, plaintext string, tags [][]string) {
	clientKey := tags[0][1]
	content, err := encrypt(EncryptionNIP04, walletSecret, clientKey, plaintext)
	if err != nil {
		r.t.Fatalf("fake relay: encrypt failed: %v", err)
	}
	resp := &Event{
		Pubkey:    walletPub,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := resp.Sign(walletSecret); err != nil {
		r.t.Fatalf("fake relay: sign failed: %v", err)
	}

	r.mu.Lock()
	subID := r.subID
	r.mu.Unlock()
	if err := wsjson.Write(ctx, conn, []any{"EVENT", subID, resp}); err != nil {
		r.t.Logf("fake relay: write failed: %v", err)
	}
}

// notify pushes a payment_received notification to the connected client.
func (r *fakeRelay) notify(paymentHash, preimage string) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		r.t.Fatal("fake relay: no connection")
	}
	body, _ := json.Marshal(map[string]any{
		"notification_type": "payment_received",
		"notification": map[string]any{
			"payment_hash": paymentHash,
			"preimage":     preimage,
			"settled_at":   time.Now().Unix(),
		},
	})
	r.send(context.Background(), conn, kindNotification, string(body), [][]string{{"p", clientPub}})
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestParseURL(t *testing.T) {
	cfg, err := ParseURL("nostr+walletconnect://" + walletPub + "?relay=wss://relay.example.com&secret=" + clientSecret)
	if err != nil {
		t.Fatalf("ParseURL() failed: %v", err)
	}
	if cfg.WalletPubkey != walletPub {
		t.Fatalf("wallet pubkey = %s", cfg.WalletPubkey)
	}
	if cfg.RelayURL != "wss://relay.example.com" {
		t.Fatalf("relay = %s", cfg.RelayURL)
	}
	if cfg.ClientPubkey != clientPub {
		t.Fatalf("client pubkey = %s, want %s", cfg.ClientPubkey, clientPub)
	}

	bad := []string{
		"http://" + walletPub + "?relay=wss://r&secret=" + clientSecret,
		"nostr+walletconnect://" + walletPub + "?secret=" + clientSecret,
		"nostr+walletconnect://" + walletPub + "?relay=wss://r",
		"nostr+walletconnect://short?relay=wss://r&secret=" + clientSecret,
		"nostr+walletconnect://" + walletPub + "?relay=wss://r&secret=nothex",
	}
	for _, u := range bad {
		if _, err := ParseURL(u); err == nil {
			t.Fatalf("ParseURL(%q) succeeded", u)
		}
	}
}

func TestClientCreateInvoice(t *testing.T) {
	var gotAmount int64
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		if method != "make_invoice" {
			t.Fatalf("unexpected method %s", method)
		}
		var p struct {
			Amount int64 `json:"amount"`
		}
		json.Unmarshal(params, &p)
		gotAmount = p.Amount
		return map[string]any{
			"invoice":      "lnbc210n1fake",
			"payment_hash": "ff00",
			"expires_at":   time.Now().Add(5 * time.Minute).Unix(),
		}, nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	inv, err := c.CreateInvoice(ctx, 21, "test invoice", 5*time.Minute)
	if err != nil {
		t.Fatalf("CreateInvoice() failed: %v", err)
	}
	if inv.PaymentRequest != "lnbc210n1fake" || inv.PaymentHash != "ff00" {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	if inv.AmountSats != 21 {
		t.Fatalf("amount = %d, want 21", inv.AmountSats)
	}
	if gotAmount != 21000 {
		t.Fatalf("wire amount = %d msat, want 21000", gotAmount)
	}
}

func TestClientWalletError(t *testing.T) {
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		return nil, &WalletError{Code: "INSUFFICIENT_BALANCE", Message: "not enough funds"}, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	_, err = c.CreateInvoice(ctx, 21, "test", time.Minute)
	var werr *WalletError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WalletError", err)
	}
	if werr.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("code = %s", werr.Code)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		return nil, nil, false // never answer
	})

	ctx := context.Background()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()), WithRequestTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.CreateInvoice(ctx, 21, "test", time.Minute)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout took far longer than the configured budget")
	}

	// The waiter entry must be released after the timeout.
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending map has %d stale entries", n)
	}
}

func TestClientLookupInvoice(t *testing.T) {
	settled := false
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		if method != "lookup_invoice" {
			t.Fatalf("unexpected method %s", method)
		}
		if !settled {
			return map[string]any{"payment_hash": "ff00"}, nil, true
		}
		return map[string]any{
			"payment_hash": "ff00",
			"preimage":     "aa11",
			"settled_at":   1700000000,
		}, nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	lr, err := c.LookupInvoice(ctx, "ff00")
	if err != nil {
		t.Fatalf("LookupInvoice() failed: %v", err)
	}
	if lr.Settled {
		t.Fatal("unsettled invoice reported settled")
	}

	settled = true
	lr, err = c.LookupInvoice(ctx, "ff00")
	if err != nil {
		t.Fatalf("LookupInvoice() failed: %v", err)
	}
	if !lr.Settled || lr.Preimage != "aa11" {
		t.Fatalf("unexpected lookup result: %+v", lr)
	}
}

func TestClientPayInvoice(t *testing.T) {
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		if method != "pay_invoice" {
			t.Fatalf("unexpected method %s", method)
		}
		return map[string]any{"preimage": "aa11", "payment_hash": "ff00"}, nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	p, err := c.PayInvoice(ctx, "lnbc210n1fake")
	if err != nil {
		t.Fatalf("PayInvoice() failed: %v", err)
	}
	if p.Preimage != "aa11" {
		t.Fatalf("preimage = %s", p.Preimage)
	}
}

func TestClientWaitForPaymentNotification(t *testing.T) {
	relay, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		// Initial lookup: not settled yet.
		return map[string]any{"payment_hash": "ff00"}, nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		relay.notify("ff00", "aa11")
	}()

	lr, err := c.WaitForPayment(ctx, "ff00", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForPayment() failed: %v", err)
	}
	if !lr.Settled || lr.Preimage != "aa11" {
		t.Fatalf("unexpected result: %+v", lr)
	}
}

func TestClientWaitForPaymentPollFallback(t *testing.T) {
	var mu sync.Mutex
	lookups := 0
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		mu.Lock()
		lookups++
		n := lookups
		mu.Unlock()
		if n < 3 {
			return map[string]any{"payment_hash": "ff00"}, nil, true
		}
		return map[string]any{"payment_hash": "ff00", "preimage": "aa11", "settled_at": 1700000000}, nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()), WithPollInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	lr, err := c.WaitForPayment(ctx, "ff00", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForPayment() failed: %v", err)
	}
	if !lr.Settled || lr.Preimage != "aa11" {
		t.Fatalf("unexpected result: %+v", lr)
	}
}

func TestClientWaitForPaymentTimeout(t *testing.T) {
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		return map[string]any{"payment_hash": "ff00"}, nil, true
	})

	ctx := context.Background()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	_, err = c.WaitForPayment(ctx, "ff00", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Watcher entries must be released on timeout.
	c.mu.Lock()
	n := len(c.watchers)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("watcher map has %d stale entries", n)
	}
}

func TestClientCloseFailsWaiters(t *testing.T) {
	_, nwcURL := newFakeRelay(t, func(method string, params json.RawMessage) (any, *WalletError, bool) {
		if method == "lookup_invoice" {
			return map[string]any{"payment_hash": "ff00"}, nil, true
		}
		return nil, nil, false // make_invoice never answers
	})

	ctx := context.Background()
	c, err := Dial(ctx, nwcURL, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}

	errc := make(chan error, 2)
	go func() {
		_, err := c.CreateInvoice(ctx, 21, "test", time.Minute)
		errc <- err
	}()
	go func() {
		_, err := c.WaitForPayment(ctx, "ff00", time.Minute)
		errc <- err
	}()

	time.Sleep(200 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Logf("Close() returned: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("waiter err = %v, want ErrClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("waiter did not fail after Close")
		}
	}

	// Close is idempotent and subsequent calls fail fast.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if _, err := c.CreateInvoice(ctx, 1, "x", time.Minute); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after Close: err = %v, want ErrClosed", err)
	}
}
