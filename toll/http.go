package toll

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
)

type grantKey struct{}

// GrantFrom extracts the grant the middleware attached to the request
// context.
func GrantFrom(ctx context.Context) (*Grant, bool) {
	g, ok := ctx.Value(grantKey{}).(*Grant)
	return g, ok
}

// RequestFrom builds a gate Request from an HTTP request. The caller
// identity prefers X-Forwarded-For, falling back to the connection address.
func RequestFrom(r *http.Request) Request {
	return Request{
		Endpoint:      r.URL.Path,
		Method:        r.Method,
		ClientID:      clientID(r),
		Authorization: r.Header.Get("Authorization"),
	}
}

func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// Middleware wraps an HTTP handler with the guard for one route. Granted
// requests carry the Grant in their context; everything else is answered
// with 402, 401 or 500 as the state machine dictates.
func (g *Gate) Middleware(route Route) func(http.Handler) http.Handler {
	guard := g.Guard(route)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, err := guard.Check(r.Context(), RequestFrom(r))
			if err != nil {
				writeGateError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), grantKey{}, grant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeGateError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var challenge *Challenge
	if errors.As(err, &challenge) {
		w.Header().Set("WWW-Authenticate", challenge.Header)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(challenge.Body)
		return
	}

	var reject *Reject
	if errors.As(err, &reject) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  reject.Reason,
			"detail": reject.Detail,
		})
		return
	}

	// Wallet failure: payment subsystem unavailable, never a free pass.
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "payment subsystem unavailable"})
}
