package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultStorageLimit applies to accounts registered without a limit.
const DefaultStorageLimit int64 = 15 * 1024 * 1024 * 1024

// legacyStorageLimit is the decimal "15 GB" older registrations stored.
const legacyStorageLimit int64 = 15_000_000_000

// Credentials carries the connection details for one backend account.
type Credentials struct {
	Provider     string `json:"provider"`
	Endpoint     string `json:"endpoint,omitempty"`
	Region       string `json:"region,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// Fingerprint identifies a credential set without exposing it.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{c.Provider, c.Endpoint, c.Region, c.Bucket, c.Prefix, c.AccessKey, c.SecretKey} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if c.UsePathStyle {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// BackendAccount is a remote storage location chunks can be placed on.
type BackendAccount struct {
	ID           string      `json:"id"`
	Label        string      `json:"label"`
	DriveNumber  int         `json:"drive_number"`
	StorageLimit int64       `json:"storage_limit"`
	StorageUsed  int64       `json:"storage_used"`
	IsActive     bool        `json:"is_active"`
	IsQuarantine bool        `json:"is_quarantine"`
	Credentials  Credentials `json:"credentials"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Limit returns the configured limit or the default.
func (a *BackendAccount) Limit() int64 {
	if a.StorageLimit > 0 && a.StorageLimit != legacyStorageLimit {
		return a.StorageLimit
	}
	return DefaultStorageLimit
}
