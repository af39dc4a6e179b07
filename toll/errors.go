package toll

import (
	"fmt"

	"github.com/lntoll/lntoll/l402"
)

// Challenge is the error returned by a guard when payment is required. It
// carries everything the transport adapter needs to produce the 402
// response.
type Challenge struct {
	Header string // WWW-Authenticate value
	Body   *l402.Challenge
}

func (c *Challenge) Error() string {
	return fmt.Sprintf("toll: payment of %d sats required", c.Body.AmountSats)
}

// Reject is the error returned when presented credentials fail. It is an
// access rejection, never retried server-side, and maps to 401.
type Reject struct {
	Reason string // machine-readable (macaroon reason codes or invalid_macaroon / invalid_preimage)
	Detail string
}

func (r *Reject) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("toll: rejected: %s (%s)", r.Reason, r.Detail)
	}
	return fmt.Sprintf("toll: rejected: %s", r.Reason)
}

// Rejection reason codes for failures outside macaroon verification.
const (
	ReasonInvalidMacaroon = "invalid_macaroon"
	ReasonInvalidPreimage = "invalid_preimage"
)
