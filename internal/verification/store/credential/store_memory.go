package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proz/internal/verification/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

type subjectKey struct {
	subject string
	purpose models.Purpose
}

type tokenKey struct {
	purpose models.Purpose
	secret  string
}

// InMemoryStore is the process-local ephemeral backend. Entries evict at
// ExpiresAt; reads treat an expired entry as absent, and a coarse sweeper
// reclaims memory. Nothing survives a restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	byID      map[id.CredentialID]*models.Credential
	bySubject map[subjectKey][]id.CredentialID
	byToken   map[tokenKey]id.CredentialID

	now      func() time.Time
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

type MemoryOption func(*InMemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepInterval sets how often StartSweeper reclaims evicted entries.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *InMemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		byID:      make(map[id.CredentialID]*models.Credential),
		bySubject: make(map[subjectKey][]id.CredentialID),
		byToken:   make(map[tokenKey]id.CredentialID),
		now:       time.Now,
		logger:    slog.Default(),
		interval:  time.Minute,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Save(_ context.Context, c *models.Credential) error {
	if c == nil {
		return fmt.Errorf("credential is required: %w", sentinel.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.IsToken() {
		tk := tokenKey{purpose: c.Purpose, secret: c.Secret}
		if existing, ok := s.byToken[tk]; ok && existing != c.ID {
			if _, live := s.liveLocked(existing); live {
				return fmt.Errorf("token already issued: %w", sentinel.ErrConflict)
			}
		}
		s.byToken[tk] = c.ID
	}

	if _, exists := s.byID[c.ID]; !exists {
		sk := subjectKey{subject: c.Subject, purpose: c.Purpose}
		s.bySubject[sk] = append(s.bySubject[sk], c.ID)
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

// Load returns the most recently issued live credential for (subject, purpose).
func (s *InMemoryStore) Load(_ context.Context, subject string, purpose models.Purpose) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Credential
	for _, cid := range s.bySubject[subjectKey{subject: subject, purpose: purpose}] {
		c, ok := s.liveLocked(cid)
		if !ok {
			continue
		}
		if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("credential for subject: %w", sentinel.ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *InMemoryStore) LoadByToken(_ context.Context, purpose models.Purpose, token string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cid, ok := s.byToken[tokenKey{purpose: purpose, secret: token}]
	if !ok {
		return nil, fmt.Errorf("credential for token: %w", sentinel.ErrNotFound)
	}
	c, ok := s.liveLocked(cid)
	if !ok {
		return nil, fmt.Errorf("credential for token: %w", sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) IncrementAttempts(_ context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveLocked(cid)
	if !ok {
		return nil, fmt.Errorf("increment attempts: %w", sentinel.ErrNotFound)
	}
	if c.State(now) != models.StateActive {
		return c.Clone(), fmt.Errorf("increment attempts: %w", sentinel.ErrInvalidState)
	}
	c.Attempts++
	return c.Clone(), nil
}

func (s *InMemoryStore) MarkConsumed(_ context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveLocked(cid)
	if !ok {
		return nil, fmt.Errorf("mark consumed: %w", sentinel.ErrNotFound)
	}
	switch c.State(now) {
	case models.StateActive:
	case models.StateConsumed:
		return c.Clone(), fmt.Errorf("mark consumed: %w", sentinel.ErrAlreadyUsed)
	default:
		return c.Clone(), fmt.Errorf("mark consumed: %w", sentinel.ErrInvalidState)
	}
	consumedAt := now
	c.ConsumedAt = &consumedAt
	return c.Clone(), nil
}

func (s *InMemoryStore) Delete(_ context.Context, cid id.CredentialID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[cid]; !ok {
		return fmt.Errorf("delete credential: %w", sentinel.ErrNotFound)
	}
	s.removeLocked(cid)
	return nil
}

// DeleteBySubject removes every credential for (subject, purpose) except keep.
func (s *InMemoryStore) DeleteBySubject(_ context.Context, subject string, purpose models.Purpose, keep id.CredentialID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := append([]id.CredentialID(nil), s.bySubject[subjectKey{subject: subject, purpose: purpose}]...)
	deleted := 0
	for _, cid := range ids {
		if cid == keep {
			continue
		}
		if _, ok := s.liveLocked(cid); ok {
			deleted++
		}
		s.removeLocked(cid)
	}
	return deleted, nil
}

// DeleteExpired is a no-op: expired entries are already invisible and are
// reclaimed by the sweeper.
func (s *InMemoryStore) DeleteExpired(context.Context, models.Purpose, time.Time) (int, error) {
	return 0, nil
}

// DeleteTerminal is a no-op for the ephemeral backend.
func (s *InMemoryStore) DeleteTerminal(context.Context, models.Purpose, time.Time, time.Time) (int, error) {
	return 0, nil
}

// Durable reports false: this backend auto-evicts.
func (s *InMemoryStore) Durable() bool { return false }

// StartSweeper evicts expired entries every interval until ctx is done or Stop is called.
func (s *InMemoryStore) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.DebugContext(ctx, "credential memory sweep", "evicted", n)
				}
			}
		}
	}()
}

func (s *InMemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep evicts every expired entry and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for cid, c := range s.byID {
		if c.IsExpired(now) {
			s.removeLocked(cid)
			evicted++
		}
	}
	return evicted
}

// Len counts stored entries, including expired ones not yet swept.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// liveLocked returns the stored pointer if present and not past its TTL.
func (s *InMemoryStore) liveLocked(cid id.CredentialID) (*models.Credential, bool) {
	c, ok := s.byID[cid]
	if !ok || c.IsExpired(s.now()) {
		return nil, false
	}
	return c, true
}

func (s *InMemoryStore) removeLocked(cid id.CredentialID) {
	c, ok := s.byID[cid]
	if !ok {
		return
	}
	delete(s.byID, cid)

	sk := subjectKey{subject: c.Subject, purpose: c.Purpose}
	ids := s.bySubject[sk]
	for i, other := range ids {
		if other == cid {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySubject, sk)
	} else {
		s.bySubject[sk] = ids
	}

	if c.IsToken() {
		tk := tokenKey{purpose: c.Purpose, secret: c.Secret}
		if s.byToken[tk] == cid {
			delete(s.byToken, tk)
		}
	}
}

