package store

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"proz/internal/identity/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

type identityStore interface {
	Save(ctx context.Context, identity *models.Identity) error
	FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	FindByEmail(ctx context.Context, email string) (*models.Identity, error)
	FindByPhone(ctx context.Context, phone string) (*models.Identity, error)
	MarkEmailVerified(ctx context.Context, identityID id.IdentityID) error
	MarkPhoneVerified(ctx context.Context, identityID id.IdentityID, phone string) error
	UpdatePasswordHash(ctx context.Context, identityID id.IdentityID, hash string) error
}

// identityContractSuite runs the same behaviour checks against every backend.
type identityContractSuite struct {
	suite.Suite
	ctx   context.Context
	store identityStore
	now   time.Time
}

func (s *identityContractSuite) newIdentity(email, phone string) *models.Identity {
	identity := models.NewIdentity(email, phone, "$2a$10$hash", s.now)
	s.Require().NoError(s.store.Save(s.ctx, identity))
	return identity
}

func (s *identityContractSuite) TestFindByEmailIsCaseInsensitive() {
	saved := s.newIdentity("Ana@Example.com", "")

	found, err := s.store.FindByEmail(s.ctx, "  ANA@example.COM ")
	s.Require().NoError(err)
	s.Equal(saved.ID, found.ID)
	s.Equal("ana@example.com", found.Email)
	s.True(found.Active)
}

func (s *identityContractSuite) TestFindMissing() {
	_, err := s.store.FindByID(s.ctx, id.NewIdentityID())
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.FindByEmail(s.ctx, "nobody@example.com")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.FindByPhone(s.ctx, "+15550000000")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *identityContractSuite) TestDuplicateEmailConflicts() {
	s.newIdentity("ana@example.com", "")

	dup := models.NewIdentity("ANA@example.com", "", "", s.now)
	err := s.store.Save(s.ctx, dup)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *identityContractSuite) TestDuplicatePhoneConflicts() {
	s.newIdentity("ana@example.com", "+15551234567")

	dup := models.NewIdentity("bo@example.com", "+15551234567", "", s.now)
	s.ErrorIs(s.store.Save(s.ctx, dup), sentinel.ErrConflict)
}

func (s *identityContractSuite) TestSaveOverwritesSameIdentity() {
	identity := s.newIdentity("ana@example.com", "")
	identity.Active = false
	s.Require().NoError(s.store.Save(s.ctx, identity))

	found, err := s.store.FindByID(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.False(found.Active)
}

func (s *identityContractSuite) TestMarkEmailVerified() {
	identity := s.newIdentity("ana@example.com", "")

	s.Require().NoError(s.store.MarkEmailVerified(s.ctx, identity.ID))

	found, err := s.store.FindByID(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.True(found.EmailVerified)
	s.False(found.PhoneVerified)
}

func (s *identityContractSuite) TestMarkPhoneVerifiedSetsNumber() {
	identity := s.newIdentity("ana@example.com", "")

	s.Require().NoError(s.store.MarkPhoneVerified(s.ctx, identity.ID, "+15551234567"))

	found, err := s.store.FindByPhone(s.ctx, "+15551234567")
	s.Require().NoError(err)
	s.Equal(identity.ID, found.ID)
	s.True(found.PhoneVerified)
}

func (s *identityContractSuite) TestMarkPhoneVerifiedTakenByOther() {
	s.newIdentity("bo@example.com", "+15551234567")
	identity := s.newIdentity("ana@example.com", "")

	err := s.store.MarkPhoneVerified(s.ctx, identity.ID, "+15551234567")
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *identityContractSuite) TestUpdatePasswordHash() {
	identity := s.newIdentity("ana@example.com", "")

	s.Require().NoError(s.store.UpdatePasswordHash(s.ctx, identity.ID, "$2a$10$other"))

	found, err := s.store.FindByID(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal("$2a$10$other", found.PasswordHash)
}

func (s *identityContractSuite) TestUpdatesOnMissingIdentity() {
	missing := id.NewIdentityID()
	s.ErrorIs(s.store.MarkEmailVerified(s.ctx, missing), sentinel.ErrNotFound)
	s.ErrorIs(s.store.MarkPhoneVerified(s.ctx, missing, "+15550000000"), sentinel.ErrNotFound)
	s.ErrorIs(s.store.UpdatePasswordHash(s.ctx, missing, "x"), sentinel.ErrNotFound)
}
