package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for submission events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a message for logging
type MessageContext struct {
	MessageID     string
	From          string
	To            string
	Subject       string
	Size          int
	Endpoint      string
	Username      string
	AuthMechanism string
	CreatedAt     time.Time
	SubmittedAt   time.Time
	Stage         string
	Code          int
	Error         string
}

// LogSubmission logs a message accepted by the endpoint
func (ml *MessageLogger) LogSubmission(ctx MessageContext) {
	delay := time.Duration(0)
	if !ctx.SubmittedAt.IsZero() && !ctx.CreatedAt.IsZero() {
		delay = ctx.SubmittedAt.Sub(ctx.CreatedAt)
	}

	ml.logger.Info("message_submission",
		"event_type", "submission",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"to", ctx.To,
		"subject", ctx.Subject,
		"size", ctx.Size,
		"endpoint", ctx.Endpoint,
		"username", ctx.Username,
		"auth_mechanism", ctx.AuthMechanism,
		"submission_delay_ms", delay.Milliseconds(),
		"status", "submitted",
	)
}

// LogRejection logs a submission that failed at some stage
func (ml *MessageLogger) LogRejection(ctx MessageContext) {
	fields := []any{
		"event_type", "rejection",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"to", ctx.To,
		"endpoint", ctx.Endpoint,
		"stage", ctx.Stage,
		"error", ctx.Error,
		"status", "failed",
	}
	if ctx.Code != 0 {
		fields = append(fields, "smtp_code", ctx.Code)
	}

	ml.logger.Error("message_rejection", fields...)
}

// LogDryRun logs a message that was built but not sent
func (ml *MessageLogger) LogDryRun(ctx MessageContext) {
	ml.logger.Info("message_dry_run",
		"event_type", "dry_run",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"to", ctx.To,
		"subject", ctx.Subject,
		"size", ctx.Size,
		"endpoint", ctx.Endpoint,
		"status", "not_sent",
	)
}
