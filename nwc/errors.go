package nwc

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a wallet call's waiting budget elapses before
// a correlated response arrives. It covers a single network operation; the
// invoice's own expiry is a separate budget.
var ErrTimeout = errors.New("nwc: request timed out")

// ErrClosed is returned to all outstanding waiters when the session is torn
// down.
var ErrClosed = errors.New("nwc: connection closed")

// WalletError is a well-formed error envelope from the remote wallet. It is
// a remote-service failure, distinct from an access rejection.
type WalletError struct {
	Code    string
	Message string
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("nwc: wallet error %s: %s", e.Code, e.Message)
}
