package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/models"
)

type updateFileRequest struct {
	IsStarred *bool `json:"is_starred"`
}

type shareRequest struct {
	Enable bool `json:"enable"`
}

type shareResponse struct {
	Success    bool    `json:"success"`
	IsPublic   bool    `json:"isPublic"`
	ShareToken string  `json:"shareToken,omitempty"`
	Link       *string `json:"link"`
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	files, err := h.engine.Files(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner})
		return
	}
	if files == nil {
		files = []*models.File{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// handleUpdateFile toggles the starred flag.
func (h *Handler) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]

	var req updateFileRequest
	if err := decodeJSON(r, &req); err != nil || req.IsStarred == nil {
		ErrMalformedBody.WriteJSON(w)
		return
	}

	f, err := h.engine.SetStarred(r.Context(), owner, fileID, *req.IsStarred)
	if err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner, "file_id": fileID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"file": f})
}

// handleDeleteFile trashes a file, or removes it and its chunks when
// ?permanent=true.
func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]
	fields := logrus.Fields{"owner_id": owner, "file_id": fileID}

	if strings.EqualFold(r.URL.Query().Get("permanent"), "true") {
		report, err := h.engine.PermanentDelete(r.Context(), owner, fileID)
		if err != nil {
			h.writeError(w, r, err, fields)
			return
		}
		if report.Failed > 0 {
			h.logger.WithFields(fields).WithField("failed_chunks", report.Failed).Warn("Some chunks could not be removed from their backends")
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "File permanently deleted"})
		return
	}

	if err := h.engine.SoftDelete(r.Context(), owner, fileID); err != nil {
		h.writeError(w, r, err, fields)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File moved to trash"})
}

func (h *Handler) handleRestoreFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]

	if err := h.engine.Restore(r.Context(), owner, fileID); err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner, "file_id": fileID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File restored"})
}

func (h *Handler) handleShareFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]

	var req shareRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrMalformedBody.WriteJSON(w)
		return
	}

	f, err := h.engine.Share(r.Context(), owner, fileID, req.Enable)
	if err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner, "file_id": fileID})
		return
	}

	resp := shareResponse{Success: true, IsPublic: f.IsPublic, ShareToken: f.ShareToken}
	if f.IsPublic {
		link := h.shareLink(r, f.ShareToken)
		resp.Link = &link
	}
	writeJSON(w, http.StatusOK, resp)
}

// shareLink prefers the configured public URL and falls back to the
// request's own host.
func (h *Handler) shareLink(r *http.Request, token string) string {
	base := strings.TrimRight(h.publicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/s/" + token
}

func (h *Handler) handleStorage(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	usage, err := h.engine.Usage(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err, logrus.Fields{"owner_id": owner})
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
