package audit

import (
	"context"
	"log/slog"

	id "proz/pkg/domain"
	"proz/pkg/requestcontext"
)

// Emitter is satisfied by publisher.Publisher.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Logger writes every audit event to the text log and, when an emitter is
// configured, to the audit store.
type Logger struct {
	textLogger *slog.Logger
	emitter    Emitter
}

func NewLogger(textLogger *slog.Logger, emitter Emitter) *Logger {
	return &Logger{
		textLogger: textLogger,
		emitter:    emitter,
	}
}

// Log records action for identityID. Attributes are key/value pairs; the
// "subject", "purpose" and "outcome" keys are copied onto the stored event.
//
//	logger.Log(ctx, audit.ActionEmailVerified, identityID, "purpose", "email_verification")
func (l *Logger) Log(ctx context.Context, action Action, identityID id.IdentityID, attributes ...any) {
	if l == nil {
		return
	}
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	if !identityID.IsNil() {
		attributes = append(attributes, "identity_id", identityID.String())
	}

	if l.textLogger != nil {
		args := append(attributes, "event", string(action), "log_type", "audit")
		l.textLogger.InfoContext(ctx, string(action), args...)
	}
	if l.emitter == nil {
		return
	}

	err := l.emitter.Emit(ctx, Event{
		IdentityID: identityID,
		Subject:    stringAttr(attributes, "subject"),
		Action:     string(action),
		Purpose:    stringAttr(attributes, "purpose"),
		Outcome:    stringAttr(attributes, "outcome"),
		RequestID:  requestID,
	})
	if err != nil && l.textLogger != nil {
		l.textLogger.ErrorContext(ctx, "failed to emit audit event", "error", err, "event", string(action))
	}
}

func stringAttr(attributes []any, key string) string {
	for i := 0; i+1 < len(attributes); i += 2 {
		k, ok := attributes[i].(string)
		if !ok || k != key {
			continue
		}
		switch v := attributes[i+1].(type) {
		case string:
			return v
		case interface{ String() string }:
			return v.String()
		}
	}
	return ""
}
