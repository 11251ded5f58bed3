package models

import "time"

// FileStatus is the upload lifecycle state of a file.
type FileStatus string

const (
	StatusUploading FileStatus = "uploading"
	StatusCompleted FileStatus = "completed"
	StatusFailed    FileStatus = "failed"
)

// CanTransition reports whether a file may move from s to next.
// Only uploading files change status, and never back to uploading.
func (s FileStatus) CanTransition(next FileStatus) bool {
	return s == StatusUploading && (next == StatusCompleted || next == StatusFailed)
}

func (s FileStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// File is one logical user file. Size is the plaintext length.
type File struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Size       int64      `json:"size"`
	MimeType   string     `json:"mime_type"`
	Status     FileStatus `json:"status"`
	IsDeleted  bool       `json:"is_deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	IsStarred  bool       `json:"is_starred"`
	IsPublic   bool       `json:"is_public"`
	ShareToken string     `json:"share_token,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Downloadable reports whether the file may be served.
func (f *File) Downloadable() bool {
	return !f.IsDeleted && f.Status == StatusCompleted
}
