package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrCiphertext = errors.New("transport: invalid ciphertext")

// Cipher encrypts values for the wire. Output is ASCII and newline free.
type Cipher interface {
	Encrypt(plain []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
}

// NewCipher returns an AES-256-CTR cipher keyed by sha256(key). An empty key
// disables encryption.
func NewCipher(key string) Cipher {
	if key == "" {
		return NullCipher{}
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		// 32 byte keys are always valid for AES.
		panic(err)
	}
	return &ctrCipher{block: block}
}

type ctrCipher struct {
	block cipher.Block
}

// Encrypt prefixes a random IV so every value decrypts on its own.
func (c *ctrCipher) Encrypt(plain []byte) (string, error) {
	buf := make([]byte, aes.BlockSize+len(plain))
	iv := buf[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("transport: iv: %w", err)
	}
	cipher.NewCTR(c.block, iv).XORKeyStream(buf[aes.BlockSize:], plain)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (c *ctrCipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("%w: short value", ErrCiphertext)
	}
	out := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCTR(c.block, raw[:aes.BlockSize]).XORKeyStream(out, raw[aes.BlockSize:])
	return out, nil
}

// NullCipher passes values through unchanged.
type NullCipher struct{}

func (NullCipher) Encrypt(plain []byte) (string, error) { return string(plain), nil }

func (NullCipher) Decrypt(encoded string) ([]byte, error) { return []byte(encoded), nil }
