package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	masterSecretSize = 32
	hkdfInfo         = "gostt-relay credentials v1"
)

// deriveKey uses HKDF-SHA256 to derive a 32-byte AES key from the master
// secret: HKDF(secret, salt=nil, info=hkdfInfo, length=32).
func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credentials: HKDF: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: new GCM: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext with AES-256-GCM and returns nonce || ciphertext
// || tag. The provider name is bound as additional data so a value cannot
// be moved to another provider's slot.
func seal(key, plaintext []byte, provider string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize()) // 12 bytes
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credentials: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(provider)), nil
}

// open reverses seal.
func open(key, sealed []byte, provider string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("credentials: sealed value too short (%d bytes)", len(sealed))
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, []byte(provider))
	if err != nil {
		return nil, fmt.Errorf("credentials: decrypt %s: %w", provider, err)
	}
	return plaintext, nil
}
