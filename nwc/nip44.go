package nwc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 v2: conversation key = HKDF-extract over the ECDH x-coordinate,
// per-message keys = HKDF-expand keyed by a fresh 32-byte nonce, ChaCha20
// for the payload and HMAC-SHA256 (keyed with the nonce as AAD prefix) for
// authentication. Payload = base64(0x02 || nonce || ciphertext || mac).

const (
	nip44Version     = 0x02
	nip44MinPlain    = 1
	nip44MaxPlain    = 65535
	nip44NonceSize   = 32
	nip44MacSize     = 32
	nip44MessageKeys = 76 // 32 chacha key + 12 chacha nonce + 32 hmac key
)

func nip44ConversationKey(shared []byte) []byte {
	return hkdf.Extract(sha256.New, shared, []byte("nip44-v2"))
}

func nip44MessageKeysFor(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	keys := make([]byte, nip44MessageKeys)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, convKey, nonce), keys); err != nil {
		return nil, nil, nil, fmt.Errorf("nwc: nip44: %w", err)
	}
	return keys[:32], keys[32:44], keys[44:76], nil
}

// nip44PaddedLen is the padded plaintext length (excluding the two length
// prefix bytes): 32 below 32 bytes, then power-of-two derived chunks.
func nip44PaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func nip44Pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < nip44MinPlain || n > nip44MaxPlain {
		return nil, fmt.Errorf("nwc: nip44: invalid plaintext length %d", n)
	}
	padded := make([]byte, 2+nip44PaddedLen(n))
	binary.BigEndian.PutUint16(padded[:2], uint16(n))
	copy(padded[2:], plaintext)
	return padded, nil
}

func nip44Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("nwc: nip44: padded data too short")
	}
	n := int(binary.BigEndian.Uint16(padded[:2]))
	if n < nip44MinPlain || n > nip44MaxPlain || len(padded) != 2+nip44PaddedLen(n) {
		return nil, fmt.Errorf("nwc: nip44: invalid padding")
	}
	return padded[2 : 2+n], nil
}

func nip44Encrypt(shared []byte, plaintext string) (string, error) {
	convKey := nip44ConversationKey(shared)

	nonce := make([]byte, nip44NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nwc: nip44: %w", err)
	}
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeysFor(convKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := nip44Pad([]byte(plaintext))
	if err != nil {
		return "", err
	}
	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("nwc: nip44: %w", err)
	}
	ct := make([]byte, len(padded))
	stream.XORKeyStream(ct, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)

	payload := make([]byte, 0, 1+nip44NonceSize+len(ct)+nip44MacSize)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ct...)
	payload = mac.Sum(payload)

	return base64.StdEncoding.EncodeToString(payload), nil
}

func nip44Decrypt(shared []byte, payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("nwc: nip44: %w", err)
	}
	if len(raw) < 1+nip44NonceSize+1+nip44MacSize {
		return "", fmt.Errorf("nwc: nip44: payload too short")
	}
	if raw[0] != nip44Version {
		return "", fmt.Errorf("nwc: nip44: unsupported version %d", raw[0])
	}
	nonce := raw[1 : 1+nip44NonceSize]
	ct := raw[1+nip44NonceSize : len(raw)-nip44MacSize]
	gotMac := raw[len(raw)-nip44MacSize:]

	convKey := nip44ConversationKey(shared)
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeysFor(convKey, nonce)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)
	if subtle.ConstantTimeCompare(mac.Sum(nil), gotMac) != 1 {
		return "", fmt.Errorf("nwc: nip44: mac mismatch")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("nwc: nip44: %w", err)
	}
	padded := make([]byte, len(ct))
	stream.XORKeyStream(padded, ct)

	plain, err := nip44Unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
