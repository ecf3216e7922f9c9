package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	audit "proz/pkg/platform/audit"
)

// Publisher appends audit events to a store, optionally through a bounded
// buffer drained by a background goroutine.
type Publisher struct {
	store  audit.Store
	events chan audit.Event
	wg     sync.WaitGroup
	logger *slog.Logger
	async  bool
	now    func() time.Time
}

type Option func(*Publisher)

// WithAsyncBuffer queues up to size events; Emit fails fast when it is full.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.events = make(chan audit.Event, size)
			p.async = true
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.async {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.events {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Error("failed to persist audit event",
				"error", err,
				"action", event.Action,
				"identity_id", event.IdentityID.String(),
			)
		}
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (p *Publisher) Close() {
	if p.async && p.events != nil {
		close(p.events)
		p.wg.Wait()
	}
}

func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if !p.async {
		return p.store.Append(ctx, event)
	}
	select {
	case p.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if p.logger != nil {
			p.logger.Warn("audit buffer full, event dropped", "action", event.Action)
		}
		return dErrors.New(dErrors.CodeUnavailable, "audit buffer full")
	}
}

func (p *Publisher) List(ctx context.Context, identityID id.IdentityID) ([]audit.Event, error) {
	return p.store.ListByIdentity(ctx, identityID)
}
