package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/chunkvault/internal/common"
)

// APIError is the JSON error body returned to clients.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// TranslateError maps engine errors to client responses. Messages stay
// terse; backend accounts and credentials never reach the client.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return &APIError{Code: "Unauthorized", Message: "Unauthorized", HTTPStatus: http.StatusUnauthorized}
	case errors.Is(err, common.ErrNotFound):
		return &APIError{Code: "NotFound", Message: "File not found", HTTPStatus: http.StatusNotFound}
	case errors.Is(err, common.ErrNotReady):
		return &APIError{Code: "NotReady", Message: "File is not ready for download", HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, common.ErrChunkExists):
		return &APIError{Code: "ChunkExists", Message: "Chunk already uploaded", HTTPStatus: http.StatusConflict}
	case errors.Is(err, common.ErrInvalidRequest), errors.Is(err, common.ErrMissingChunk):
		code := "InvalidRequest"
		if errors.Is(err, common.ErrMissingChunk) {
			code = "MissingChunk"
		}
		msg := err.Error()
		var ce *common.ChunkError
		if errors.As(err, &ce) {
			msg = "Invalid chunk"
		}
		return &APIError{Code: code, Message: msg, HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, common.ErrIntegrity):
		return &APIError{Code: "IntegrityError", Message: "Stored data failed verification", HTTPStatus: http.StatusInternalServerError}
	case errors.Is(err, common.ErrNoBackendsAvailable), errors.Is(err, common.ErrNoQuarantineBackend):
		return &APIError{Code: "NoBackends", Message: "No storage available", HTTPStatus: http.StatusInternalServerError}
	case errors.Is(err, common.ErrBackendUnavailable), errors.Is(err, common.ErrObjectNotFound):
		return &APIError{Code: "BackendError", Message: "Storage backend error", HTTPStatus: http.StatusInternalServerError}
	}

	return &APIError{Code: "InternalError", Message: "Internal server error", HTTPStatus: http.StatusInternalServerError}
}

// Predefined request errors.
var (
	ErrMalformedBody = &APIError{
		Code:       "InvalidRequest",
		Message:    "Malformed request body",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingChunkFields = &APIError{
		Code:       "InvalidRequest",
		Message:    "Missing fileId, chunkIndex or chunk data",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrChunkTooLarge = &APIError{
		Code:       "ChunkTooLarge",
		Message:    "Chunk exceeds 5 MiB",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrMissingFileID = &APIError{
		Code:       "InvalidRequest",
		Message:    "Missing fileId",
		HTTPStatus: http.StatusBadRequest,
	}
)
