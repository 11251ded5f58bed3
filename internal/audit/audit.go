// Package audit records who did what to which file.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload is a completed or failed upload.
	EventTypeUpload EventType = "upload"
	// EventTypeDownload is an owner or share-link download.
	EventTypeDownload EventType = "download"
	// EventTypeDelete covers soft delete, restore and permanent delete.
	EventTypeDelete EventType = "delete"
	// EventTypeShare is a share link being enabled or disabled.
	EventTypeShare EventType = "share"
	// EventTypeReclaim is a stale upload removed by the sweep.
	EventTypeReclaim EventType = "reclaim"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	FileID    string                 `json:"file_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogFileEvent logs an operation on one file.
	LogFileEvent(eventType EventType, operation, ownerID, fileID string, err error, duration time.Duration, metadata map[string]interface{})

	// LogAccess logs a request-level event with client details.
	LogAccess(eventType EventType, ownerID, fileID, clientIP, userAgent string, err error, duration time.Duration)
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the most recent events in memory and forwards each to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger. A nil writer logs events through
// the standard logrus logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewLogrusWriter(logrus.StandardLogger())
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. Writer failures are returned but the event is
// still kept in memory.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return l.writer.WriteEvent(event)
}

// LogFileEvent logs an operation on one file.
func (l *auditLogger) LogFileEvent(eventType EventType, operation, ownerID, fileID string, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: operation,
		OwnerID:   ownerID,
		FileID:    fileID,
		Success:   err == nil,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

// LogAccess logs a request-level event with client details.
func (l *auditLogger) LogAccess(eventType EventType, ownerID, fileID, clientIP, userAgent string, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		OwnerID:   ownerID,
		FileID:    fileID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter creates a writer on top of logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent emits the event at info level, or warn level for failures.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	entry := w.logger.WithFields(logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"owner_id":    event.OwnerID,
		"file_id":     event.FileID,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	})
	if event.ClientIP != "" {
		entry = entry.WithField("client_ip", event.ClientIP)
	}
	for k, v := range event.Metadata {
		entry = entry.WithField(k, v)
	}

	if event.Success {
		entry.Info("audit")
	} else {
		entry.WithField("error", event.Error).Warn("audit")
	}
	return nil
}
