package api

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSignUp                 AuditEvent = "sign_up"
	AuditSignUpRateLimited      AuditEvent = "sign_up_rate_limited"
	AuditSignInSuccess          AuditEvent = "sign_in_success"
	AuditSignInFailure          AuditEvent = "sign_in_failure"
	AuditSignInRateLimited      AuditEvent = "sign_in_rate_limited"
	AuditSignOut                AuditEvent = "sign_out"
	AuditSocialSignIn           AuditEvent = "social_sign_in"
	AuditTwoFactorEnabled       AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled      AuditEvent = "2fa_disabled"
	AuditTwoFactorPassed        AuditEvent = "2fa_challenge_passed"
	AuditTwoFactorFailed        AuditEvent = "2fa_challenge_failed"
	AuditBackupCodeFailed       AuditEvent = "backup_code_failed"
	AuditBackupCodesRegenerated AuditEvent = "backup_codes_regenerated"
	AuditSessionRevoked         AuditEvent = "session_revoked"
	AuditPasswordChanged        AuditEvent = "password_changed"
	AuditPasswordResetRequested AuditEvent = "password_reset_requested"
	AuditPasswordReset          AuditEvent = "password_reset"
	AuditEmailChangeRequested   AuditEvent = "email_change_requested"
	AuditEmailVerified          AuditEvent = "email_verified"
	AuditAccountDeletionRequest AuditEvent = "account_deletion_requested"
	AuditAccountDeleted         AuditEvent = "account_deleted"
	AuditAvatarUpdated          AuditEvent = "avatar_updated"
	AuditAvatarRemoved          AuditEvent = "avatar_removed"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// fans events out to the optional webhook and metrics collector.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	webhook  *auditWebhook
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: extractClientIP,
	}
}

// log writes a structured audit entry. userID is the opaque user id; emails
// and passwords never appear in audit records.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", al.clientIP(r)),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: al.clientIP(r),
			RequestID:  chimw.GetReqID(r.Context()),
			Timestamp:  now.Format(time.RFC3339),
			trace:      propagation.MapCarrier{},
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			evt.TraceID = sc.TraceID().String()
		}
		otel.GetTextMapPropagator().Inject(r.Context(), evt.trace)
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.String()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string)
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events about a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("user_id", userID)}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed or throttled attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
