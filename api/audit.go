package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditPasswordIssued         AuditEvent = "password_issued"
	AuditPasswordIssueFailed    AuditEvent = "password_issue_failed"
	AuditPasswordIssueThrottled AuditEvent = "password_issue_throttled"
	AuditMediaDecrypted         AuditEvent = "media_decrypted"
	AuditMediaDecryptFailed     AuditEvent = "media_decrypt_failed"
	AuditMediaFetchFailed       AuditEvent = "media_fetch_failed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Attributes are identifiers, stage names and sizes only. Keys, credentials
// and ciphertext never reach it.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and forwards it to the alert
// counters and the webhook, when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	if event != AuditPasswordIssued && event != AuditMediaDecrypted {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)

	kind := ""
	for _, a := range attrs {
		if a.Key == "error_kind" {
			kind = a.Value.String()
		}
	}
	if al.metrics != nil {
		al.metrics.recordEvent(event, kind)
	}
	if al.webhook != nil {
		al.webhook.enqueue(toWebhookEvent(event, r, now, attrs))
	}
}

// logEvent is a convenience for events tied to a device.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, deviceID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("device_id", deviceID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed operation with its error kind.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, kind, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("error_kind", kind),
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func toWebhookEvent(event AuditEvent, r *http.Request, at time.Time, attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		Timestamp:  at.Format(time.RFC3339),
	}
	for _, a := range attrs {
		if a.Key == "device_id" {
			evt.DeviceID = a.Value.String()
			continue
		}
		if evt.Attrs == nil {
			evt.Attrs = make(map[string]string, len(attrs))
		}
		evt.Attrs[a.Key] = a.Value.String()
	}
	return evt
}
