package queue

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 1000
	keyLength     = 32
	nonceLength   = 12
)

var kdfSalt = []byte("streamchat-queue-salt")

// Cipher obscures the persisted queue. The key is derived from local,
// non-secret material, so it protects against casual inspection only.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256-GCM key from passphrase with PBKDF2-SHA256.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, nonceLength, nonceLength+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	raw = raw[:n]
	if len(raw) < nonceLength+c.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:nonceLength], raw[nonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plain, nil
}

// LocalPassphrase builds the default passphrase from a fixed part and
// host-specific details.
func LocalPassphrase() string {
	local := ""
	if host, err := os.Hostname(); err == nil {
		local += host
	}
	if u, err := user.Current(); err == nil {
		local += u.Username
	}
	if len(local) > 20 {
		local = local[:20]
	}
	return "streamchat-mq-key" + local
}
