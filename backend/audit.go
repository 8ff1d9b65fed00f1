package backend

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess    AuditEvent = "login_success"
	AuditLoginFailure    AuditEvent = "login_failure"
	AuditLoginRateLimit  AuditEvent = "login_rate_limited"
	AuditLogout          AuditEvent = "logout"
	AuditRefresh         AuditEvent = "refresh"
	AuditRefreshFailure  AuditEvent = "refresh_failure"
	AuditLocalKeySet     AuditEvent = "local_key_set"
	AuditPasswordConfirm AuditEvent = "password_confirmed"
	AuditPasswordFailure AuditEvent = "password_failure"
	AuditLockCreated     AuditEvent = "lock_created"
	AuditLockDeleted     AuditEvent = "lock_deleted"
	AuditLockForced      AuditEvent = "lock_forced"
	AuditUnlockSuccess   AuditEvent = "unlock_success"
	AuditUnlockFailure   AuditEvent = "unlock_failure"
	AuditForkCreated     AuditEvent = "fork_created"
	AuditForkConsumed    AuditEvent = "fork_consumed"
	AuditForkInvalid     AuditEvent = "fork_invalid"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, now func() time.Time) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		now:     now,
	}
}

// log writes a structured audit log entry. Session UIDs are logged, tokens
// and PINs never are.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	al.metrics.recordEvent(event)
}

// logSession is a convenience for events tied to a session.
func (al *auditLogger) logSession(event AuditEvent, r *http.Request, s *sessionRecord, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("uid", s.uid),
		slog.String("user_id", s.userID),
	}
	al.log(event, r, append(attrs, extra...)...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	al.log(event, r, append(attrs, extra...)...)
}
