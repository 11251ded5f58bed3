package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunker"
)

// multipart framing allowance on top of the chunk itself
const multipartOverhead = 64 << 10

type initUploadRequest struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type finishUploadRequest struct {
	FileID string `json:"fileId"`
}

func (h *Handler) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrMalformedBody.WriteJSON(w)
		return
	}

	f, err := h.engine.InitUpload(r.Context(), owner, req.Name, req.Size, req.MimeType)
	if err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fileId": f.ID})
}

// handleUploadChunk accepts one multipart part named "chunk" together with
// the fileId and chunkIndex form fields.
func (h *Handler) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, chunker.MaxChunkSize+multipartOverhead)
	if err := r.ParseMultipartForm(chunker.MaxChunkSize + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			ErrChunkTooLarge.WriteJSON(w)
			return
		}
		ErrMissingChunkFields.WriteJSON(w)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileID := r.FormValue("fileId")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if fileID == "" || err != nil {
		ErrMissingChunkFields.WriteJSON(w)
		return
	}
	part, _, err := r.FormFile("chunk")
	if err != nil {
		ErrMissingChunkFields.WriteJSON(w)
		return
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, chunker.MaxChunkSize+1))
	if err != nil {
		ErrMalformedBody.WriteJSON(w)
		return
	}
	if len(data) > chunker.MaxChunkSize {
		ErrChunkTooLarge.WriteJSON(w)
		return
	}

	if _, err := h.engine.PutChunk(r.Context(), owner, fileID, index, data); err != nil {
		h.writeError(w, r, err, logrus.Fields{
			"owner_id":    owner,
			"file_id":     fileID,
			"chunk_index": index,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "chunkIndex": index})
}

func (h *Handler) handleUploadFinish(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	var req finishUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrMalformedBody.WriteJSON(w)
		return
	}
	if req.FileID == "" {
		ErrMissingFileID.WriteJSON(w)
		return
	}

	if _, err := h.engine.FinishUpload(r.Context(), owner, req.FileID); err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner, "file_id": req.FileID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
