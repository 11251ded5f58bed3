package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/engine"
)

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]
	fields := logrus.Fields{"owner_id": owner, "file_id": fileID}

	d, err := h.engine.OpenDownload(r.Context(), owner, fileID)
	if err != nil {
		h.writeError(w, r, err, fields)
		return
	}
	h.serveDownload(w, r, d, fields, nil)
}

// handleSharedDownload serves a public file by share token. These are the
// only unauthenticated file reads, so each one is recorded with the
// client's address.
func (h *Handler) handleSharedDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]

	d, err := h.engine.OpenShared(r.Context(), token)
	if err != nil {
		h.logAccess("", "", r, err, start)
		h.writeError(w, r, err, logrus.Fields{"shared": true})
		return
	}
	fields := logrus.Fields{"file_id": d.File.ID, "shared": true}
	h.serveDownload(w, r, d, fields, func(err error) {
		h.logAccess(d.File.OwnerID, d.File.ID, r, err, start)
	})
}

// serveDownload writes the headers and streams the plaintext. A failure
// before the first byte becomes a normal error response; after that the
// status line is gone, so the connection is aborted instead and the client
// sees a body shorter than Content-Length.
func (h *Handler) serveDownload(w http.ResponseWriter, r *http.Request, d *engine.Download, fields logrus.Fields, done func(error)) {
	header := w.Header()
	header.Set("Content-Type", d.File.MimeType)
	header.Set("Content-Disposition", contentDisposition(d.File.Name))
	header.Set("Content-Length", strconv.FormatInt(d.File.Size, 10))

	_, err := d.Stream(r.Context(), w)
	if done != nil {
		done(err)
	}
	if err == nil {
		return
	}

	var se *engine.StreamError
	if errors.As(err, &se) && se.BytesWritten == 0 {
		header.Del("Content-Disposition")
		header.Del("Content-Length")
		h.writeError(w, r, se.Err, fields)
		return
	}

	h.logger.WithFields(fields).WithError(err).Warn("Aborting download mid-stream")
	panic(http.ErrAbortHandler)
}

func (h *Handler) logAccess(ownerID, fileID string, r *http.Request, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogAccess(audit.EventTypeDownload, ownerID, fileID, getClientIP(r), r.UserAgent(), err, time.Since(start))
}
