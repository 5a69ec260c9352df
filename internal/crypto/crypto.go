package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Methods understood by NewCipher, selecting the AES key size.
const (
	MethodAES128 = "aes128"
	MethodAES256 = "aes256"
)

// ErrDecrypt is returned for any undecryptable input: wrong key, truncated or
// tampered ciphertext, or garbage. Callers must treat the affected item as
// unrecoverable and leave it untouched.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// Cipher is the symmetric encryption capability shared by the queue store and
// the scheduler handoff tokens. It holds the derived key; nothing else in the
// process can read it back.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES key from the shared secret and returns an AES-GCM
// cipher. Ciphertext is base64 encoded so it can live inside JSON documents.
func NewCipher(secret, method string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("crypto: secret key cannot be empty")
	}

	var keyLen int
	switch method {
	case MethodAES128:
		keyLen = 16
	case MethodAES256:
		keyLen = 32
	default:
		return nil, fmt.Errorf("crypto: unknown encrypt method %q", method)
	}

	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:keyLen])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce and returns base64 text.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure is reported as ErrDecrypt without
// further detail.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
