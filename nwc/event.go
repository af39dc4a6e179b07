package nwc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// NIP-47 event kinds.
const (
	kindRequest       = 23194
	kindResponse      = 23195
	kindNotification  = 23196 // legacy (NIP-04 encrypted)
	kindNotification2 = 23197 // NIP-44 encrypted
)

// Event is a Nostr event (NIP-01).
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// serialize renders the NIP-01 canonical form used for the event id:
// [0, pubkey, created_at, kind, tags, content], compact, no HTML escaping.
func (e *Event) serialize() ([]byte, error) {
	arr := []any{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (e *Event) computeID() (string, error) {
	raw, err := e.serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign computes the event id and attaches a BIP-340 Schnorr signature.
func (e *Event) Sign(secretHex string) error {
	skBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(skBytes) != 32 {
		return fmt.Errorf("nwc: invalid secret key")
	}
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	id, err := e.computeID()
	if err != nil {
		return fmt.Errorf("nwc: serialize event: %w", err)
	}
	e.ID = id

	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("nwc: sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id matches the canonical serialization and the
// signature is valid for the event's pubkey.
func (e *Event) Verify() bool {
	id, err := e.computeID()
	if err != nil || id != e.ID {
		return false
	}
	pkBytes, err := hex.DecodeString(e.Pubkey)
	if err != nil || len(pkBytes) != 32 {
		return false
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	idBytes, _ := hex.DecodeString(id)
	return sig.Verify(idBytes, pub)
}

// tagValue returns the first value of the named tag, or "".
func (e *Event) tagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
