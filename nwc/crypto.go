package nwc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Encryption selects the NIP-47 payload encryption scheme.
type Encryption string

const (
	// EncryptionNIP04 is AES-256-CBC keyed by the ECDH x-coordinate, with
	// the "<ciphertext>?iv=<iv>" payload format. The widest wallet
	// compatibility.
	EncryptionNIP04 Encryption = "nip04"

	// EncryptionNIP44 is the NIP-44 v2 scheme (HKDF, ChaCha20,
	// HMAC-SHA256) required by newer wallet services.
	EncryptionNIP44 Encryption = "nip44"
)

// DerivePublicKey returns the x-only (32-byte hex) public key for a hex
// secp256k1 secret key.
func DerivePublicKey(secretHex string) (string, error) {
	skBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(skBytes) != 32 {
		return "", fmt.Errorf("nwc: invalid secret key")
	}
	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// sharedSecret computes the ECDH x-coordinate between our secret key and
// their x-only public key. Both NIP-04 and NIP-44 derive from it.
func sharedSecret(secretHex, pubHex string) ([]byte, error) {
	skBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(skBytes) != 32 {
		return nil, fmt.Errorf("nwc: invalid secret key")
	}
	pkBytes, err := hex.DecodeString(pubHex)
	if err != nil || len(pkBytes) != 32 {
		return nil, fmt.Errorf("nwc: invalid public key")
	}
	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("nwc: invalid public key: %w", err)
	}
	return btcec.GenerateSharedSecret(priv, pub), nil
}

func encrypt(scheme Encryption, secretHex, pubHex, plaintext string) (string, error) {
	shared, err := sharedSecret(secretHex, pubHex)
	if err != nil {
		return "", err
	}
	if scheme == EncryptionNIP44 {
		return nip44Encrypt(shared, plaintext)
	}
	return nip04Encrypt(shared, plaintext)
}

// decrypt detects the payload scheme from its shape: NIP-04 payloads carry
// the "?iv=" marker, everything else is treated as NIP-44.
func decrypt(secretHex, pubHex, payload string) (string, error) {
	shared, err := sharedSecret(secretHex, pubHex)
	if err != nil {
		return "", err
	}
	if strings.Contains(payload, "?iv=") {
		return nip04Decrypt(shared, payload)
	}
	return nip44Decrypt(shared, payload)
}

func nip04Encrypt(shared []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func nip04Decrypt(shared []byte, payload string) (string, error) {
	ctB64, ivB64, ok := strings.Cut(payload, "?iv=")
	if !ok {
		return "", fmt.Errorf("nwc: nip04: payload missing iv")
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("nwc: nip04: bad ciphertext length")
	}
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	plain, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("nwc: nip04: %w", err)
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
