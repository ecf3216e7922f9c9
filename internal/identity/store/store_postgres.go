package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"proz/internal/identity/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

const identityColumns = `id, email, COALESCE(phone, ''), password_hash, email_verified,
	phone_verified, active, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, identity *models.Identity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, email, phone, password_hash, email_verified, phone_verified, active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			password_hash = EXCLUDED.password_hash,
			email_verified = EXCLUDED.email_verified,
			phone_verified = EXCLUDED.phone_verified,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, uuid.UUID(identity.ID), models.NormalizeEmail(identity.Email), identity.Phone, identity.PasswordHash,
		identity.EmailVerified, identity.PhoneVerified, identity.Active, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity contact already registered: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error) {
	return s.findOne(ctx, "find identity by id",
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, uuid.UUID(identityID))
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return s.findOne(ctx, "find identity by email",
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = $1`, models.NormalizeEmail(email))
}

func (s *PostgresStore) FindByPhone(ctx context.Context, phone string) (*models.Identity, error) {
	return s.findOne(ctx, "find identity by phone",
		`SELECT `+identityColumns+` FROM identities WHERE phone = $1`, phone)
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, arg any) (*models.Identity, error) {
	var (
		identity models.Identity
		rawID    uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&rawID, &identity.Email, &identity.Phone, &identity.PasswordHash, &identity.EmailVerified,
		&identity.PhoneVerified, &identity.Active, &identity.CreatedAt, &identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	identity.ID = id.IdentityID(rawID)
	return &identity, nil
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, identityID id.IdentityID) error {
	return s.exec(ctx, "mark email verified",
		`UPDATE identities SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, uuid.UUID(identityID))
}

func (s *PostgresStore) MarkPhoneVerified(ctx context.Context, identityID id.IdentityID, phone string) error {
	return s.exec(ctx, "mark phone verified",
		`UPDATE identities SET phone = $2, phone_verified = TRUE, updated_at = NOW() WHERE id = $1`,
		uuid.UUID(identityID), phone)
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, identityID id.IdentityID, hash string) error {
	return s.exec(ctx, "update password hash",
		`UPDATE identities SET password_hash = $2, updated_at = NOW() WHERE id = $1`, uuid.UUID(identityID), hash)
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
