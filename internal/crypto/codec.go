package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kenneth/chunkvault/internal/common"
)

const (
	nonceSize = 16 // bytes, stored in front of every chunk
	tagSize   = 16 // 128 bits authentication tag
)

// Codec binds the server secret to the chunk cipher.
type Codec struct {
	secret string
}

// NewCodec validates the server secret up front so a misconfigured
// deployment fails at startup rather than on the first upload.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: server encryption secret is not set", common.ErrConfiguration)
	}
	return &Codec{secret: secret}, nil
}

// DeriveKey derives the per-owner key.
func (c *Codec) DeriveKey(ownerID string) ([]byte, error) {
	return DeriveKey(c.secret, ownerID)
}

// createCipher creates AES-256-GCM with a 16-byte nonce.
func createCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("%w: invalid key size: expected %d bytes, got %d", common.ErrConfiguration, aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under key with a fresh random nonce and returns
// the ciphertext (same length as plaintext), nonce and tag separately.
func Encrypt(plaintext, key []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := createCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// Decrypt opens ciphertext with the given nonce and tag. Any tag mismatch,
// including one caused by the wrong key, is reported as ErrIntegrity.
func Decrypt(ciphertext, key, nonce, tag []byte) ([]byte, error) {
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed nonce or tag", common.ErrIntegrity)
	}
	aead, err := createCipher(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrIntegrity)
	}
	return plaintext, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
