// Package store persists identities.
//
// Error contract: Find methods return sentinel.ErrNotFound for a missing
// identity; Save returns sentinel.ErrConflict when the email or phone is
// already taken by another identity.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proz/internal/identity/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[id.IdentityID]*models.Identity
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		identities: make(map[id.IdentityID]*models.Identity),
		now:        time.Now,
	}
}

func (s *InMemoryStore) Save(_ context.Context, identity *models.Identity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := models.NormalizeEmail(identity.Email)
	for _, other := range s.identities {
		if other.ID == identity.ID {
			continue
		}
		if other.Email == email || (identity.Phone != "" && other.Phone == identity.Phone) {
			return fmt.Errorf("identity contact already registered: %w", sentinel.ErrConflict)
		}
	}
	stored := *identity
	stored.Email = email
	s.identities[identity.ID] = &stored
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, identityID id.IdentityID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if identity, ok := s.identities[identityID]; ok {
		out := *identity
		return &out, nil
	}
	return nil, fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) FindByEmail(_ context.Context, email string) (*models.Identity, error) {
	email = models.NormalizeEmail(email)
	return s.find(func(i *models.Identity) bool { return i.Email == email })
}

func (s *InMemoryStore) FindByPhone(_ context.Context, phone string) (*models.Identity, error) {
	return s.find(func(i *models.Identity) bool { return phone != "" && i.Phone == phone })
}

func (s *InMemoryStore) find(match func(*models.Identity) bool) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, identity := range s.identities {
		if match(identity) {
			out := *identity
			return &out, nil
		}
	}
	return nil, fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) MarkEmailVerified(_ context.Context, identityID id.IdentityID) error {
	return s.update(identityID, func(i *models.Identity) error {
		i.EmailVerified = true
		return nil
	})
}

// MarkPhoneVerified records phone as the identity's verified number.
func (s *InMemoryStore) MarkPhoneVerified(_ context.Context, identityID id.IdentityID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.identities {
		if other.ID != identityID && other.Phone == phone {
			return fmt.Errorf("phone already registered: %w", sentinel.ErrConflict)
		}
	}
	return s.updateLocked(identityID, func(i *models.Identity) error {
		i.Phone = phone
		i.PhoneVerified = true
		return nil
	})
}

func (s *InMemoryStore) UpdatePasswordHash(_ context.Context, identityID id.IdentityID, hash string) error {
	return s.update(identityID, func(i *models.Identity) error {
		i.PasswordHash = hash
		return nil
	})
}

func (s *InMemoryStore) update(identityID id.IdentityID, fn func(*models.Identity) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(identityID, fn)
}

func (s *InMemoryStore) updateLocked(identityID id.IdentityID, fn func(*models.Identity) error) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
	}
	if err := fn(identity); err != nil {
		return err
	}
	identity.UpdatedAt = s.now()
	return nil
}
