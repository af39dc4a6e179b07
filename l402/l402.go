// Package l402 implements the L402 (formerly LSAT) HTTP challenge and
// authorization wire formats.
//
//	WWW-Authenticate: L402 invoice="lnbc...", macaroon="..."
//	Authorization: L402 <macaroon>:<preimage>
package l402

import (
	"fmt"
	"strings"
)

// Protocol is the scheme name used in challenge and authorization headers.
const Protocol = "L402"

// Credentials is a parsed Authorization header.
type Credentials struct {
	Macaroon string
	Preimage string
}

// Challenge is the JSON body of a 402 response.
type Challenge struct {
	Status       int           `json:"status"`
	Message      string        `json:"message"`
	PaymentHash  string        `json:"paymentHash"`
	Invoice      string        `json:"invoice"`
	Macaroon     string        `json:"macaroon"`
	AmountSats   int64         `json:"amountSats"`
	Description  string        `json:"description,omitempty"`
	Protocol     string        `json:"protocol"`
	Instructions *Instructions `json:"instructions,omitempty"`
}

// Instructions spell out the pay-and-retry flow for human readers of the
// 402 body.
type Instructions struct {
	Step1 string `json:"step1"`
	Step2 string `json:"step2"`
	Step3 string `json:"step3"`
}

// FormatChallenge builds the WWW-Authenticate header value.
func FormatChallenge(invoice, macaroon string) string {
	return fmt.Sprintf(`%s invoice=%q, macaroon=%q`, Protocol, invoice, macaroon)
}

// NewChallenge builds the full 402 response body.
func NewChallenge(invoice, macaroon, paymentHash string, amountSats int64, description string) *Challenge {
	return &Challenge{
		Status:      402,
		Message:     "Payment Required",
		PaymentHash: paymentHash,
		Invoice:     invoice,
		Macaroon:    macaroon,
		AmountSats:  amountSats,
		Description: description,
		Protocol:    Protocol,
		Instructions: &Instructions{
			Step1: "Pay the Lightning invoice above",
			Step2: "Get the preimage from the payment receipt",
			Step3: "Retry the request with header: Authorization: L402 <macaroon>:<preimage>",
		},
	}
}

// ChallengeHeader is a parsed WWW-Authenticate challenge value.
type ChallengeHeader struct {
	Invoice  string
	Macaroon string
}

// ParseChallengeHeader parses a WWW-Authenticate header of the form
// `L402 invoice="...", macaroon="..."`. Returns nil when the header is not
// an L402 challenge or is missing either field.
func ParseChallengeHeader(header string) *ChallengeHeader {
	trimmed := strings.TrimSpace(header)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "l402 "):
	case strings.HasPrefix(lower, "lsat "):
	default:
		return nil
	}

	ch := &ChallengeHeader{}
	rest := trimmed[5:]
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		key, after, ok := strings.Cut(rest, `="`)
		if !ok {
			break
		}
		value, after, ok := strings.Cut(after, `"`)
		if !ok {
			break
		}
		switch strings.TrimSpace(key) {
		case "invoice":
			ch.Invoice = value
		case "macaroon":
			ch.Macaroon = value
		}
		rest = after
	}
	if ch.Invoice == "" || ch.Macaroon == "" {
		return nil
	}
	return ch
}

// ParseAuthorization parses an Authorization header of the form
// "L402 <macaroon>:<preimage>". The scheme match is case-insensitive and
// the legacy "LSAT" scheme name is accepted. Returns nil when the header
// does not carry L402 credentials.
func ParseAuthorization(header string) *Credentials {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil
	}

	var rest string
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "l402 "):
		rest = trimmed[5:]
	case strings.HasPrefix(lower, "lsat "):
		rest = trimmed[5:]
	default:
		return nil
	}

	mac, preimage, ok := strings.Cut(strings.TrimSpace(rest), ":")
	if !ok || mac == "" || preimage == "" {
		return nil
	}
	return &Credentials{Macaroon: mac, Preimage: preimage}
}
