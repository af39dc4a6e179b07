package nwc

import (
	"encoding/hex"
	"fmt"
	"net/url"
)

// Scheme is the URL scheme of a Nostr Wallet Connect connection string.
const Scheme = "nostr+walletconnect"

// Config holds the parsed session parameters of an NWC connection string:
//
//	nostr+walletconnect://<wallet-pubkey>?relay=<relay-url>&secret=<secret-key>
type Config struct {
	RelayURL     string
	WalletPubkey string
	ClientPubkey string

	secretKey string
}

// ParseURL parses an NWC connection string and derives the client public
// key from the embedded secret.
func ParseURL(nwcURL string) (*Config, error) {
	u, err := url.Parse(nwcURL)
	if err != nil {
		return nil, fmt.Errorf("nwc: invalid url: %w", err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("nwc: invalid url scheme %q (expected %s)", u.Scheme, Scheme)
	}

	walletPubkey := u.Host
	if walletPubkey == "" {
		walletPubkey = u.Opaque
	}
	if err := checkHexKey(walletPubkey); err != nil {
		return nil, fmt.Errorf("nwc: wallet pubkey: %w", err)
	}

	q := u.Query()
	relay := q.Get("relay")
	if relay == "" {
		return nil, fmt.Errorf("nwc: url missing relay parameter")
	}
	secret := q.Get("secret")
	if secret == "" {
		return nil, fmt.Errorf("nwc: url missing secret parameter")
	}
	if err := checkHexKey(secret); err != nil {
		return nil, fmt.Errorf("nwc: secret: %w", err)
	}

	clientPubkey, err := DerivePublicKey(secret)
	if err != nil {
		return nil, err
	}

	return &Config{
		RelayURL:     relay,
		WalletPubkey: walletPubkey,
		ClientPubkey: clientPubkey,
		secretKey:    secret,
	}, nil
}

func checkHexKey(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("not hex: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return nil
}
