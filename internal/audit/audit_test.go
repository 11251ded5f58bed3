package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recordingWriter struct {
	events []*AuditEvent
	err    error
}

func (w *recordingWriter) WriteEvent(event *AuditEvent) error {
	w.events = append(w.events, event)
	return w.err
}

func TestAuditLogger_LogFileEvent(t *testing.T) {
	w := &recordingWriter{}
	logger := NewLogger(100, w)

	logger.LogFileEvent(EventTypeUpload, "finish", "owner-1", "file-1", nil, 100*time.Millisecond, map[string]interface{}{"chunks": 3})

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeUpload {
		t.Fatalf("expected event type %s, got %s", EventTypeUpload, event.EventType)
	}
	if event.OwnerID != "owner-1" || event.FileID != "file-1" {
		t.Fatalf("unexpected owner/file %s/%s", event.OwnerID, event.FileID)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if len(w.events) != 1 {
		t.Fatalf("writer should receive the event, got %d", len(w.events))
	}
}

func TestAuditLogger_LogFailure(t *testing.T) {
	logger := NewLogger(100, &recordingWriter{})

	logger.LogFileEvent(EventTypeDownload, "download", "owner-1", "file-1", errors.New("integrity check failed"), time.Second, nil)

	event := logger.(*auditLogger).GetEvents()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "integrity check failed" {
		t.Fatalf("unexpected error %q", event.Error)
	}
}

func TestAuditLogger_LogAccess(t *testing.T) {
	logger := NewLogger(100, &recordingWriter{})

	logger.LogAccess(EventTypeShare, "", "file-9", "192.168.1.1", "curl/8.0", nil, 10*time.Millisecond)

	event := logger.(*auditLogger).GetEvents()[0]
	if event.ClientIP != "192.168.1.1" {
		t.Fatalf("expected client IP 192.168.1.1, got %s", event.ClientIP)
	}
	if event.Operation != "share" {
		t.Fatalf("expected operation share, got %s", event.Operation)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, &recordingWriter{})

	for i := 0; i < 10; i++ {
		logger.LogFileEvent(EventTypeDelete, "soft_delete", "o", "f", nil, 0, nil)
	}

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_WriterErrorKeepsEvent(t *testing.T) {
	w := &recordingWriter{err: errors.New("disk full")}
	logger := NewLogger(10, w)

	err := logger.Log(&AuditEvent{EventType: EventTypeReclaim, Operation: "sweep", Success: true})
	if err == nil {
		t.Fatal("expected writer error to be returned")
	}
	if got := len(logger.(*auditLogger).GetEvents()); got != 1 {
		t.Fatalf("expected event to be kept, got %d", got)
	}
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(10, NewLogrusWriter(l))
	logger.LogFileEvent(EventTypeDelete, "permanent_delete", "owner-1", "file-1", nil, 5*time.Millisecond, map[string]interface{}{"chunks": 2})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	if entry["event_type"] != "delete" || entry["file_id"] != "file-1" || entry["level"] != "info" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["chunks"] != float64(2) {
		t.Fatalf("metadata should be logged, got %v", entry["chunks"])
	}
}
