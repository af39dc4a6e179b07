// Package macaroon implements the chained-HMAC bearer credentials used to
// bind API access to a Lightning payment.
//
// A macaroon carries an identifier (the payment hash), an ordered list of
// caveat strings and a signature. The signature is a chained HMAC-SHA256:
// the secret signs the identifier, and each caveat is folded into the
// running digest in order. Stripping, altering or reordering caveats breaks
// the chain for anyone who does not hold the secret, so caveats are
// append-only once issued.
//
// The wire format is base64url (unpadded) over compact JSON
// {"id":...,"caveats":[...],"signature":...}. Any implementation sharing
// the secret produces byte-identical tokens for the same inputs.
package macaroon

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verification reason codes. These are machine-readable and stable; they
// are surfaced in 401 rejections.
const (
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonMalformedCaveat   = "malformed_caveat"
	ReasonExpired           = "expired"
	ReasonEndpointMismatch  = "endpoint_mismatch"
	ReasonMethodMismatch    = "method_mismatch"
	ReasonIPMismatch        = "ip_mismatch"
	ReasonUnknownCaveat     = "unknown_caveat"
)

// ErrFormat classifies malformed tokens. Decode failures wrap it so callers
// can distinguish a garbage token from a verification failure.
var ErrFormat = errors.New("malformed macaroon")

// ErrEmptySecret is returned by Issue when no signing secret is given.
var ErrEmptySecret = errors.New("macaroon secret is required")

// Macaroon is a decoded credential.
type Macaroon struct {
	ID        string   `json:"id"`
	Caveats   []string `json:"caveats"`
	Signature string   `json:"signature"`
}

// Options describes the standard caveat set for a payment-bound macaroon.
// Zero-valued fields are omitted. The caveat order is fixed (expires_at,
// endpoint, method, ip) because order is part of the signature chain.
type Options struct {
	PaymentHash string
	ExpiresAt   time.Time
	Endpoint    string
	Method      string
	IP          string
}

// Context carries the request facts caveats are checked against. Empty
// fields skip the corresponding check (the caveat still contributes to the
// signature chain).
type Context struct {
	Now      time.Time
	Endpoint string
	Method   string
	IP       string

	// Strict fails verification on caveat keys this implementation does
	// not recognize. The default is permissive for forward compatibility
	// with newer issuers.
	Strict bool
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid       bool
	Reason      string // one of the Reason* codes when !Valid
	Detail      string // human-readable elaboration
	PaymentHash string
}

func chain(secret, identifier string, caveats []string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(identifier))
	sig := mac.Sum(nil)
	for _, caveat := range caveats {
		mac = hmac.New(sha256.New, sig)
		mac.Write([]byte(caveat))
		sig = mac.Sum(nil)
	}
	return sig
}

// Issue creates a macaroon over the given identifier and ordered caveats.
func Issue(secret, identifier string, caveats []string) (*Macaroon, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrFormat)
	}
	if caveats == nil {
		caveats = []string{}
	}
	return &Macaroon{
		ID:        identifier,
		Caveats:   caveats,
		Signature: hex.EncodeToString(chain(secret, identifier, caveats)),
	}, nil
}

// New issues a macaroon bound to a payment hash with the standard caveats.
func New(secret string, opts Options) (*Macaroon, error) {
	if opts.PaymentHash == "" {
		return nil, fmt.Errorf("%w: payment hash is required", ErrFormat)
	}
	var caveats []string
	if !opts.ExpiresAt.IsZero() {
		caveats = append(caveats, "expires_at = "+strconv.FormatInt(opts.ExpiresAt.Unix(), 10))
	}
	if opts.Endpoint != "" {
		caveats = append(caveats, "endpoint = "+opts.Endpoint)
	}
	if opts.Method != "" {
		caveats = append(caveats, "method = "+opts.Method)
	}
	if opts.IP != "" {
		caveats = append(caveats, "ip = "+opts.IP)
	}
	return Issue(secret, opts.PaymentHash, caveats)
}

// Encode renders the macaroon in its wire form.
func (m *Macaroon) Encode() string {
	// Struct field order fixes the marshalled byte layout, which the
	// signature-stability guarantee depends on.
	raw, _ := json.Marshal(m)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a wire-form token. All failures wrap ErrFormat.
func Decode(token string) (*Macaroon, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var m Macaroon
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if m.ID == "" || m.Signature == "" || m.Caveats == nil {
		return nil, fmt.Errorf("%w: missing id, caveats or signature", ErrFormat)
	}
	return &m, nil
}

// Verify recomputes the signature chain and, when it matches, checks each
// recognized caveat against ctx. A signature mismatch short-circuits before
// any caveat is inspected so tampered tokens learn nothing about which
// caveat they tripped.
func Verify(secret string, m *Macaroon, ctx Context) VerifyResult {
	if m == nil || m.ID == "" || m.Signature == "" {
		return VerifyResult{Reason: ReasonSignatureMismatch, Detail: "invalid macaroon structure"}
	}

	want, err := hex.DecodeString(m.Signature)
	if err != nil {
		return VerifyResult{Reason: ReasonSignatureMismatch, Detail: "signature is not hex", PaymentHash: m.ID}
	}
	got := chain(secret, m.ID, m.Caveats)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return VerifyResult{Reason: ReasonSignatureMismatch, Detail: "invalid macaroon signature", PaymentHash: m.ID}
	}

	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, caveat := range m.Caveats {
		key, value, ok := strings.Cut(caveat, " = ")
		if !ok {
			return VerifyResult{Reason: ReasonMalformedCaveat, Detail: "malformed caveat: " + caveat, PaymentHash: m.ID}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "expires_at":
			expiry, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return VerifyResult{Reason: ReasonMalformedCaveat, Detail: "malformed caveat: " + caveat, PaymentHash: m.ID}
			}
			if now.Unix() > expiry {
				return VerifyResult{Reason: ReasonExpired, Detail: "macaroon expired", PaymentHash: m.ID}
			}
		case "endpoint":
			if ctx.Endpoint != "" && ctx.Endpoint != value {
				return VerifyResult{
					Reason:      ReasonEndpointMismatch,
					Detail:      fmt.Sprintf("endpoint mismatch: expected %s, got %s", value, ctx.Endpoint),
					PaymentHash: m.ID,
				}
			}
		case "method":
			if ctx.Method != "" && !strings.EqualFold(ctx.Method, value) {
				return VerifyResult{
					Reason:      ReasonMethodMismatch,
					Detail:      fmt.Sprintf("method mismatch: expected %s, got %s", value, ctx.Method),
					PaymentHash: m.ID,
				}
			}
		case "ip":
			if ctx.IP != "" && ctx.IP != value {
				return VerifyResult{
					Reason:      ReasonIPMismatch,
					Detail:      fmt.Sprintf("ip mismatch: expected %s, got %s", value, ctx.IP),
					PaymentHash: m.ID,
				}
			}
		default:
			// Unknown caveats are satisfied unless the verifier opts
			// into failing closed.
			if ctx.Strict {
				return VerifyResult{Reason: ReasonUnknownCaveat, Detail: "unknown caveat: " + key, PaymentHash: m.ID}
			}
		}
	}

	return VerifyResult{Valid: true, PaymentHash: m.ID}
}

// VerifyPreimage reports whether sha256(preimage) equals the payment hash.
// Both arguments are hex. Malformed input is a plain false, never a panic.
func VerifyPreimage(preimage, paymentHash string) bool {
	if preimage == "" || paymentHash == "" {
		return false
	}
	pre, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(paymentHash)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	sum := sha256.Sum256(pre)
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}
