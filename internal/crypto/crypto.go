// Package crypto derives the at-rest encryption key for upstream provider
// credentials and hashes bearer API keys for lookup.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the PBKDF2-HMAC-SHA256 iteration count used to derive
// the AES-256-GCM key. Ciphertext is this package's nonce||sealed envelope and
// is only readable by Decrypt.
const pbkdf2Iterations = 480_000

// KeyPrefix is prepended to every generated bearer API key.
const KeyPrefix = "cnd_sk_"

// DisplayPrefixLen is the number of leading characters of a raw key that are
// safe to display/store unmasked (e.g. in an admin UI key list).
const DisplayPrefixLen = 12

// Cipher encrypts/decrypts upstream provider credentials at rest using a key
// derived once from a master secret and salt, then held immutable for the
// process lifetime.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256-GCM key from masterKey/salt via PBKDF2-HMAC-SHA256.
func NewCipher(masterKey, salt string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("crypto: master key must not be empty")
	}
	derived := pbkdf2.Key([]byte(masterKey), []byte(salt), pbkdf2Iterations, 32, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns a base64url-encoded nonce||ciphertext string suitable for
// storing in the deployment.upstream_credential column.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	nonceLen := c.aead.NonceSize()
	if len(raw) < nonceLen {
		return "", fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, sealed := raw[:nonceLen], raw[nonceLen:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plain), nil
}

// GenerateAPIKey creates a new bearer key: the raw secret (shown to the user
// exactly once), its SHA-256 hash (stored for lookup), and its display prefix.
func GenerateAPIKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("crypto: generate: %w", err)
	}
	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashAPIKey(raw)
	prefix = raw[:DisplayPrefixLen]
	return raw, hash, prefix, nil
}

// HashAPIKey hashes a raw bearer key with SHA-256 for storage/lookup.
// This is a lookup hash, not a password hash — keys are high-entropy random
// tokens, not user-chosen secrets, so a slow KDF would only cost latency
// without adding resistance to brute force.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
