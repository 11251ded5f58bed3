package config

import (
	"github.com/google/uuid"

	"github.com/kenneth/chunkvault/internal/models"
)

var accountNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chunkvault/backend-account"))

// AccountID returns the configured id, or one derived from the label so
// the same seed entry maps to the same account on every start.
func (b BackendAccountConfig) AccountID() string {
	if b.ID != "" {
		return b.ID
	}
	return uuid.NewSHA1(accountNamespace, []byte(b.Label)).String()
}

// Account converts a seed entry to the stored account form.
func (b BackendAccountConfig) Account() *models.BackendAccount {
	return &models.BackendAccount{
		ID:           b.AccountID(),
		Label:        b.Label,
		DriveNumber:  b.DriveNumber,
		StorageLimit: b.StorageLimit,
		IsActive:     !b.Disabled,
		IsQuarantine: b.Quarantine,
		Credentials: models.Credentials{
			Provider:     b.Provider,
			Endpoint:     b.Endpoint,
			Region:       b.Region,
			Bucket:       b.Bucket,
			Prefix:       b.Prefix,
			AccessKey:    b.AccessKey,
			SecretKey:    b.SecretKey,
			UsePathStyle: b.UsePathStyle,
		},
	}
}
