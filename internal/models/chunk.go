package models

import "time"

// Chunk records where one encrypted piece of a file lives.
// StoredSize includes the 32-byte nonce and tag prefix.
type Chunk struct {
	FileID     string    `json:"file_id"`
	Index      int       `json:"chunk_index"`
	AccountID  string    `json:"account_id"`
	RemoteID   string    `json:"remote_id"`
	StoredSize int64     `json:"stored_size"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}
