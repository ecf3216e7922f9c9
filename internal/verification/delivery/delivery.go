// Package delivery sends issued secrets out of band. The engine only learns
// whether a send returned an error.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proz/internal/verification/models"
)

// ErrNoSender is returned when no sender is registered for a channel.
var ErrNoSender = errors.New("no sender for channel")

// Message is one secret addressed to one destination. Link is set for
// token-class purposes and already carries the token.
type Message struct {
	Channel   models.Channel
	To        string
	Purpose   models.Purpose
	Secret    string
	Link      string
	ExpiresAt time.Time
}

// Sender delivers over a single channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router dispatches messages to the sender registered for their channel.
type Router struct {
	senders map[models.Channel]Sender
}

type RouterOption func(*Router)

func WithSender(channel models.Channel, sender Sender) RouterOption {
	return func(r *Router) {
		if sender != nil {
			r.senders[channel] = sender
		}
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{senders: make(map[models.Channel]Sender)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	sender, ok := r.senders[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
	}
	return sender.Send(ctx, msg)
}

// body renders the plain-text content shared by all channels.
func body(msg Message) string {
	ttl := time.Until(msg.ExpiresAt).Round(time.Minute)
	if msg.Link != "" {
		return fmt.Sprintf("Open this link to continue: %s\nIt expires in %s.", msg.Link, ttl)
	}
	return fmt.Sprintf("Your verification code is %s. It expires in %s.", msg.Secret, ttl)
}

func subject(p models.Purpose) string {
	switch p {
	case models.PurposeEmailVerification:
		return "Confirm your email address"
	case models.PurposePasswordResetOTP, models.PurposePasswordResetToken:
		return "Reset your password"
	case models.PurposeLoginVerification:
		return "Your sign-in code"
	default:
		return "Your verification code"
	}
}
