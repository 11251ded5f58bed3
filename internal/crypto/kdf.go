package crypto

import (
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kenneth/chunkvault/internal/common"
)

const (
	// Key derivation parameters
	pbkdf2Iterations = 100000
	aesKeySize       = 32 // 256 bits
)

// DeriveKey derives an owner's AES-256 key from the server secret using
// PBKDF2-HMAC-SHA512 with the owner id as salt. The result is
// deterministic, so the same owner always gets the same key.
func DeriveKey(secret, ownerID string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: server encryption secret is not set", common.ErrConfiguration)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required for key derivation", common.ErrConfiguration)
	}
	return pbkdf2.Key([]byte(secret), []byte(ownerID), pbkdf2Iterations, aesKeySize, sha512.New), nil
}
