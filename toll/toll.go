// Package toll gates API operations behind Lightning micropayments using
// the L402 protocol. A Gate owns the signing secret, the wallet channel and
// the free-tier ledger; per-route Guards run the challenge/verify state
// machine: an unauthenticated request gets a 402 challenge carrying an
// invoice and a macaroon, and a request presenting the macaroon plus the
// payment preimage is granted until the macaroon expires.
package toll

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lntoll/lntoll/l402"
	"github.com/lntoll/lntoll/ledger"
	"github.com/lntoll/lntoll/macaroon"
	"github.com/lntoll/lntoll/nwc"
)

// Default gate parameters.
const (
	DefaultSats           = 10
	DefaultInvoiceExpiry  = 5 * time.Minute
	DefaultMacaroonExpiry = time.Hour
	DefaultFreeWindow     = time.Hour
)

// Request carries the facts the gate needs from the host framework: the
// request path, method, caller identity and the Authorization header. The
// gate is agnostic to how the host extracts them.
type Request struct {
	Endpoint      string
	Method        string
	ClientID      string
	Authorization string
}

// Grant is the result of a passed gate.
type Grant struct {
	Paid        bool
	Free        bool
	PaymentHash string
	AmountSats  int64
	ClientID    string
}

// Event is what the observer sees for every grant and for asynchronous
// settlements.
type Event struct {
	Endpoint    string
	Paid        bool
	AmountSats  int64
	ClientID    string
	PaymentHash string
	Preimage    string
	SettledAt   time.Time
}

// Observer receives grant events. It is the only side channel out of the
// protocol logic; nothing inside the gate touches global state.
type Observer interface {
	OnGrant(Event)
}

// Wallet creates invoices. *nwc.Client satisfies it.
type Wallet interface {
	CreateInvoice(ctx context.Context, amountSats int64, description string, expiry time.Duration) (*nwc.Invoice, error)
}

// SettlementWaiter is implemented by wallets that can block until an
// invoice settles. When the gate's wallet supports it and a payment
// callback is configured, each challenge spawns a bounded settlement watch.
type SettlementWaiter interface {
	WaitForPayment(ctx context.Context, paymentHash string, timeout time.Duration) (*nwc.LookupResult, error)
}

// Gate holds the configuration shared by all guarded routes. Immutable
// after New.
type Gate struct {
	secret string
	wallet Wallet

	defaultSats    int64
	invoiceExpiry  time.Duration
	macaroonExpiry time.Duration
	bindEndpoint   bool
	bindMethod     bool
	bindIP         bool
	strictCaveats  bool

	store     ledger.Store
	observer  Observer
	onPayment func(Event)
	log       *log.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultSats sets the price used when a route specifies none.
func WithDefaultSats(sats int64) Option {
	return func(g *Gate) { g.defaultSats = sats }
}

// WithInvoiceExpiry bounds how long a challenge's invoice is payable.
func WithInvoiceExpiry(d time.Duration) Option {
	return func(g *Gate) { g.invoiceExpiry = d }
}

// WithMacaroonExpiry sets the paid access window granted by a macaroon.
func WithMacaroonExpiry(d time.Duration) Option {
	return func(g *Gate) { g.macaroonExpiry = d }
}

// WithBindEndpoint controls the endpoint caveat (default on).
func WithBindEndpoint(on bool) Option {
	return func(g *Gate) { g.bindEndpoint = on }
}

// WithBindMethod controls the method caveat (default on).
func WithBindMethod(on bool) Option {
	return func(g *Gate) { g.bindMethod = on }
}

// WithBindIP controls the caller-identity caveat (default off).
func WithBindIP(on bool) Option {
	return func(g *Gate) { g.bindIP = on }
}

// WithStrictCaveats makes verification fail closed on unknown caveat keys.
func WithStrictCaveats(on bool) Option {
	return func(g *Gate) { g.strictCaveats = on }
}

// WithLedgerStore replaces the in-memory free-tier store, e.g. with
// ledger.RedisStore.
func WithLedgerStore(s ledger.Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithObserver wires grant events to a stats sink.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

// WithPaymentCallback fires when a challenged invoice settles, whether or
// not the payer ever retries. Requires the wallet to implement
// SettlementWaiter.
func WithPaymentCallback(fn func(Event)) Option {
	return func(g *Gate) { g.onPayment = fn }
}

// WithLogger sets the gate's logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// New creates a Gate. The secret signs macaroons and must not be empty; the
// wallet must not be nil.
func New(secret string, wallet Wallet, opts ...Option) (*Gate, error) {
	if secret == "" {
		return nil, fmt.Errorf("toll: secret is required for macaroon signing")
	}
	if wallet == nil {
		return nil, fmt.Errorf("toll: wallet is required")
	}
	g := &Gate{
		secret:         secret,
		wallet:         wallet,
		defaultSats:    DefaultSats,
		invoiceExpiry:  DefaultInvoiceExpiry,
		macaroonExpiry: DefaultMacaroonExpiry,
		bindEndpoint:   true,
		bindMethod:     true,
		store:          ledger.NewMemoryStore(),
		log:            log.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Route is the per-operation guard configuration. Pricing and description
// are a closed choice: a fixed value or a pure function of the request,
// evaluated once per challenge.
type Route struct {
	// Pattern names the guarded operation. It namespaces the free-tier
	// counters and defaults to the first request's endpoint when empty.
	Pattern string

	Sats  int64
	Price func(Request) int64

	Description     string
	DescriptionFunc func(Request) string

	FreeRequests int
	FreeWindow   time.Duration
}

func (r Route) price(req Request, def int64) int64 {
	if r.Price != nil {
		return r.Price(req)
	}
	if r.Sats > 0 {
		return r.Sats
	}
	return def
}

func (r Route) describe(req Request) string {
	if r.DescriptionFunc != nil {
		return r.DescriptionFunc(req)
	}
	if r.Description != "" {
		return r.Description
	}
	return fmt.Sprintf("API access: %s %s", req.Method, req.Endpoint)
}

// Guard is a Gate bound to one route configuration.
type Guard struct {
	gate  *Gate
	route Route
}

// Guard binds a route configuration to the gate.
func (g *Gate) Guard(route Route) *Guard {
	if route.FreeRequests > 0 && route.FreeWindow <= 0 {
		route.FreeWindow = DefaultFreeWindow
	}
	return &Guard{gate: g, route: route}
}

// Check runs one request through the gate. On success it returns a Grant.
// Otherwise the error is *Challenge (payment required), *Reject (bad
// credentials) or a wallet failure — the latter is a service failure and is
// never downgraded to free access.
func (gd *Guard) Check(ctx context.Context, req Request) (*Grant, error) {
	g := gd.gate

	if creds := l402.ParseAuthorization(req.Authorization); creds != nil {
		return gd.verify(req, creds)
	}

	if gd.route.FreeRequests > 0 {
		key := gd.ledgerKey(req)
		ok, err := g.store.Allow(ctx, key, gd.route.FreeRequests, gd.route.FreeWindow)
		if err != nil {
			// A broken ledger backend must not grant or deny for free;
			// fall through to the paid path.
			g.log.Printf("toll: free-tier ledger error for %s: %v", key, err)
		} else if ok {
			grant := &Grant{Free: true, ClientID: req.ClientID}
			g.observe(Event{Endpoint: req.Endpoint, ClientID: req.ClientID})
			return grant, nil
		}
	}

	return nil, gd.challenge(ctx, req)
}

func (gd *Guard) ledgerKey(req Request) string {
	pattern := gd.route.Pattern
	if pattern == "" {
		pattern = req.Endpoint
	}
	return pattern + "|" + req.ClientID
}

// verify checks presented credentials: preimage against the payment hash,
// then the macaroon chain and caveats against the request context.
func (gd *Guard) verify(req Request, creds *l402.Credentials) (*Grant, error) {
	g := gd.gate

	m, err := macaroon.Decode(creds.Macaroon)
	if err != nil {
		return nil, &Reject{Reason: ReasonInvalidMacaroon, Detail: err.Error()}
	}

	if !macaroon.VerifyPreimage(creds.Preimage, m.ID) {
		return nil, &Reject{Reason: ReasonInvalidPreimage, Detail: "preimage does not match payment hash"}
	}

	mctx := macaroon.Context{Strict: g.strictCaveats}
	if g.bindEndpoint {
		mctx.Endpoint = req.Endpoint
	}
	if g.bindMethod {
		mctx.Method = req.Method
	}
	if g.bindIP {
		mctx.IP = req.ClientID
	}
	res := macaroon.Verify(g.secret, m, mctx)
	if !res.Valid {
		return nil, &Reject{Reason: res.Reason, Detail: res.Detail}
	}

	amount := gd.route.price(req, g.defaultSats)
	grant := &Grant{
		Paid:        true,
		PaymentHash: m.ID,
		AmountSats:  amount,
		ClientID:    req.ClientID,
	}
	g.observe(Event{
		Endpoint:    req.Endpoint,
		Paid:        true,
		AmountSats:  amount,
		ClientID:    req.ClientID,
		PaymentHash: m.ID,
	})
	return grant, nil
}

// challenge creates an invoice, issues the bound macaroon and returns the
// 402 payload. The macaroon is the only server-side state.
func (gd *Guard) challenge(ctx context.Context, req Request) error {
	g := gd.gate

	amount := gd.route.price(req, g.defaultSats)
	description := gd.route.describe(req)

	inv, err := g.wallet.CreateInvoice(ctx, amount, description, g.invoiceExpiry)
	if err != nil {
		return fmt.Errorf("toll: create invoice: %w", err)
	}
	if inv.PaymentRequest == "" || inv.PaymentHash == "" {
		return fmt.Errorf("toll: wallet returned an incomplete invoice")
	}

	opts := macaroon.Options{
		PaymentHash: inv.PaymentHash,
		ExpiresAt:   time.Now().Add(g.macaroonExpiry),
	}
	if g.bindEndpoint {
		opts.Endpoint = req.Endpoint
	}
	if g.bindMethod {
		opts.Method = req.Method
	}
	if g.bindIP {
		opts.IP = req.ClientID
	}
	m, err := macaroon.New(g.secret, opts)
	if err != nil {
		return fmt.Errorf("toll: issue macaroon: %w", err)
	}
	token := m.Encode()

	gd.watchSettlement(req, inv, amount)

	return &Challenge{
		Header: l402.FormatChallenge(inv.PaymentRequest, token),
		Body:   l402.NewChallenge(inv.PaymentRequest, token, inv.PaymentHash, amount, description),
	}
}

// watchSettlement fires the payment callback when the challenged invoice
// settles, independent of whether the payer retries. Watch failures are
// logged and dropped.
func (gd *Guard) watchSettlement(req Request, inv *nwc.Invoice, amount int64) {
	g := gd.gate
	if g.onPayment == nil {
		return
	}
	waiter, ok := g.wallet.(SettlementWaiter)
	if !ok {
		return
	}
	go func() {
		res, err := waiter.WaitForPayment(context.Background(), inv.PaymentHash, g.invoiceExpiry)
		if err != nil || !res.Settled {
			if err != nil {
				g.log.Printf("toll: settlement watch for %s ended: %v", inv.PaymentHash, err)
			}
			return
		}
		g.onPayment(Event{
			Endpoint:    req.Endpoint,
			Paid:        true,
			AmountSats:  amount,
			ClientID:    req.ClientID,
			PaymentHash: inv.PaymentHash,
			Preimage:    res.Preimage,
			SettledAt:   res.SettledAt,
		})
	}()
}

func (g *Gate) observe(e Event) {
	if g.observer != nil {
		g.observer.OnGrant(e)
	}
}
