package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	id "proz/pkg/domain"
	"proz/pkg/requestcontext"

	"github.com/stretchr/testify/suite"
)

type recordingEmitter struct {
	events    []Event
	shouldErr bool
}

func (m *recordingEmitter) Emit(_ context.Context, event Event) error {
	if m.shouldErr {
		return errors.New("emit failed")
	}
	m.events = append(m.events, event)
	return nil
}

type LoggerSuite struct {
	suite.Suite
	emitter *recordingEmitter
	buf     *bytes.Buffer
	logger  *Logger
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerSuite))
}

func (s *LoggerSuite) SetupTest() {
	s.emitter = &recordingEmitter{}
	s.buf = &bytes.Buffer{}
	s.logger = NewLogger(slog.New(slog.NewJSONHandler(s.buf, nil)), s.emitter)
}

func (s *LoggerSuite) TestLogCopiesKnownAttributes() {
	identityID := id.NewIdentityID()
	ctx := requestcontext.WithRequestID(context.Background(), "req-42")

	s.logger.Log(ctx, ActionPasswordResetCompleted, identityID,
		"subject", "a***@example.com",
		"purpose", "password_reset_token",
		"outcome", "success",
	)

	s.Require().Len(s.emitter.events, 1)
	event := s.emitter.events[0]
	s.Equal(identityID, event.IdentityID)
	s.Equal(string(ActionPasswordResetCompleted), event.Action)
	s.Equal("a***@example.com", event.Subject)
	s.Equal("password_reset_token", event.Purpose)
	s.Equal("success", event.Outcome)
	s.Equal("req-42", event.RequestID)

	s.Contains(s.buf.String(), `"log_type":"audit"`)
	s.Contains(s.buf.String(), identityID.String())
}

func (s *LoggerSuite) TestStringerAttributesAreRendered() {
	s.logger.Log(context.Background(), ActionEmailVerified, id.NewIdentityID(), "purpose", stringer("email_verification"))

	s.Require().Len(s.emitter.events, 1)
	s.Equal("email_verification", s.emitter.events[0].Purpose)
}

func (s *LoggerSuite) TestEmitFailureIsLogged() {
	s.emitter.shouldErr = true

	s.NotPanics(func() {
		s.logger.Log(context.Background(), ActionPhoneVerified, id.NewIdentityID())
	})
	s.Empty(s.emitter.events)
	s.Contains(s.buf.String(), "failed to emit audit event")
}

func (s *LoggerSuite) TestOptionalCollaborators() {
	s.Run("nil logger is a no-op", func() {
		var l *Logger
		s.NotPanics(func() { l.Log(context.Background(), ActionEmailVerified, id.NewIdentityID()) })
	})

	s.Run("no emitter", func() {
		l := NewLogger(slog.New(slog.NewJSONHandler(s.buf, nil)), nil)
		s.NotPanics(func() { l.Log(context.Background(), ActionEmailVerified, id.NewIdentityID()) })
	})

	s.Run("no text logger", func() {
		emitter := &recordingEmitter{}
		NewLogger(nil, emitter).Log(context.Background(), ActionEmailVerified, id.NewIdentityID())
		s.Len(emitter.events, 1)
	})
}

type stringer string

func (s stringer) String() string { return string(s) }
