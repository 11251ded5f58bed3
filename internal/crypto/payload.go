package crypto

import (
	"fmt"

	"github.com/kenneth/chunkvault/internal/common"
)

// PayloadOverhead is the fixed prefix of every stored chunk:
// a 16-byte nonce followed by the 16-byte tag.
const PayloadOverhead = nonceSize + tagSize

// SealChunk encrypts one chunk and lays it out as
// [nonce 16][tag 16][ciphertext]. The returned checksum covers the
// ciphertext only.
func SealChunk(plaintext, key []byte) (payload []byte, checksum string, err error) {
	ciphertext, nonce, tag, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, "", err
	}

	payload = make([]byte, 0, PayloadOverhead+len(ciphertext))
	payload = append(payload, nonce...)
	payload = append(payload, tag...)
	payload = append(payload, ciphertext...)
	return payload, Checksum(ciphertext), nil
}

// ParsePayload splits a stored chunk into its parts without copying.
func ParsePayload(payload []byte) (nonce, tag, ciphertext []byte, err error) {
	if len(payload) < PayloadOverhead {
		return nil, nil, nil, fmt.Errorf("%w: payload of %d bytes is shorter than the %d byte header", common.ErrIntegrity, len(payload), PayloadOverhead)
	}
	return payload[:nonceSize], payload[nonceSize:PayloadOverhead], payload[PayloadOverhead:], nil
}

// VerifyChunk checks the stored checksum against the payload's ciphertext.
func VerifyChunk(payload []byte, checksum string) error {
	_, _, ciphertext, err := ParsePayload(payload)
	if err != nil {
		return err
	}
	if got := Checksum(ciphertext); got != checksum {
		return fmt.Errorf("%w: checksum mismatch", common.ErrIntegrity)
	}
	return nil
}

// OpenChunk decrypts a stored chunk payload.
func OpenChunk(payload, key []byte) ([]byte, error) {
	nonce, tag, ciphertext, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	return Decrypt(ciphertext, key, nonce, tag)
}

// PlaintextSize returns the plaintext length of a stored chunk of the given size.
func PlaintextSize(storedSize int64) int64 {
	if storedSize < PayloadOverhead {
		return 0
	}
	return storedSize - PayloadOverhead
}
