package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"proz/internal/verification/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

const credentialColumns = `id, subject, purpose, secret_class, secret, attempts,
	max_attempts, issued_at, expires_at, consumed_at, linked_identity`

// The transition updates repeat the Active predicate so the check and the
// write happen in one statement; a zero-row update means another request won.
const (
	incrementAttemptsSQL = `
		UPDATE verification_credentials
		SET attempts = attempts + 1
		WHERE id = $1
		  AND consumed_at IS NULL
		  AND attempts < max_attempts
		  AND expires_at >= $2
		RETURNING ` + credentialColumns

	markConsumedSQL = `
		UPDATE verification_credentials
		SET consumed_at = $2
		WHERE id = $1
		  AND consumed_at IS NULL
		  AND attempts < max_attempts
		  AND expires_at >= $2
		RETURNING ` + credentialColumns
)

// PostgresStore is the durable backend. Rows stay until DeleteExpired,
// DeleteTerminal, or an explicit delete removes them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, c *models.Credential) error {
	if c == nil {
		return fmt.Errorf("credential is required: %w", sentinel.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(c.ID),
		c.Subject,
		string(c.Purpose),
		string(c.Class),
		c.Secret,
		c.Attempts,
		c.MaxAttempts,
		c.IssuedAt,
		c.ExpiresAt,
		nullTime(c.ConsumedAt),
		nullIdentity(c.LinkedIdentity),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential already exists: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Load returns the most recently issued row for (subject, purpose) whatever
// its state; the engine classifies it.
func (s *PostgresStore) Load(ctx context.Context, subject string, purpose models.Purpose) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM verification_credentials
		WHERE subject = $1 AND purpose = $2
		ORDER BY issued_at DESC
		LIMIT 1
	`, subject, string(purpose))
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential for subject: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) LoadByToken(ctx context.Context, purpose models.Purpose, token string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM verification_credentials
		WHERE purpose = $1 AND secret = $2 AND secret_class = 'token'
		ORDER BY issued_at DESC
		LIMIT 1
	`, string(purpose), token)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential for token: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load credential by token: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, incrementAttemptsSQL, uuid.UUID(cid), now))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}

	current, err := s.byID(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}
	return current, fmt.Errorf("increment attempts on %s credential: %w", current.State(now), sentinel.ErrInvalidState)
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, markConsumedSQL, uuid.UUID(cid), now))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark consumed: %w", err)
	}

	current, err := s.byID(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("mark consumed: %w", err)
	}
	if current.IsConsumed() {
		return current, fmt.Errorf("mark consumed: %w", sentinel.ErrAlreadyUsed)
	}
	return current, fmt.Errorf("mark consumed on %s credential: %w", current.State(now), sentinel.ErrInvalidState)
}

func (s *PostgresStore) byID(ctx context.Context, cid id.CredentialID) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM verification_credentials
		WHERE id = $1
	`, uuid.UUID(cid))
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) Delete(ctx context.Context, cid id.CredentialID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_credentials WHERE id = $1`, uuid.UUID(cid))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete credential: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteBySubject(ctx context.Context, subject string, purpose models.Purpose, keep id.CredentialID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_credentials
		WHERE subject = $1 AND purpose = $2 AND id <> $3
	`, subject, string(purpose), uuid.UUID(keep))
	if err != nil {
		return 0, fmt.Errorf("delete credentials by subject: %w", err)
	}
	return rowsAffected(res, "delete credentials by subject")
}

// DeleteExpired removes rows past expires_at. An empty purpose matches all.
func (s *PostgresStore) DeleteExpired(ctx context.Context, purpose models.Purpose, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_credentials
		WHERE expires_at < $2
		  AND ($1::text = '' OR purpose = $1::text)
	`, string(purpose), now)
	if err != nil {
		return 0, fmt.Errorf("delete expired credentials: %w", err)
	}
	return rowsAffected(res, "delete expired credentials")
}

// DeleteTerminal removes consumed, expired, or exhausted rows issued before
// cutoff. Active rows are never matched, so it is safe under live traffic.
func (s *PostgresStore) DeleteTerminal(ctx context.Context, purpose models.Purpose, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_credentials
		WHERE ($1::text = '' OR purpose = $1::text)
		  AND issued_at < $2
		  AND (consumed_at IS NOT NULL OR expires_at < $3 OR attempts >= max_attempts)
	`, string(purpose), cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("delete terminal credentials: %w", err)
	}
	return rowsAffected(res, "delete terminal credentials")
}

func (s *PostgresStore) Durable() bool { return true }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		rawID      uuid.UUID
		purpose    string
		class      string
		consumedAt sql.NullTime
		linked     uuid.NullUUID
		c          models.Credential
	)
	if err := row.Scan(
		&rawID,
		&c.Subject,
		&purpose,
		&class,
		&c.Secret,
		&c.Attempts,
		&c.MaxAttempts,
		&c.IssuedAt,
		&c.ExpiresAt,
		&consumedAt,
		&linked,
	); err != nil {
		return nil, err
	}

	c.ID = id.CredentialID(rawID)
	c.Purpose = models.Purpose(purpose)
	c.Class = models.SecretClass(class)
	c.IssuedAt = c.IssuedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	if consumedAt.Valid {
		t := consumedAt.Time.UTC()
		c.ConsumedAt = &t
	}
	if linked.Valid {
		l := id.IdentityID(linked.UUID)
		c.LinkedIdentity = &l
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullIdentity(v *id.IdentityID) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*v), Valid: true}
}

func rowsAffected(res sql.Result, op string) (int, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows: %w", op, err)
	}
	return int(rows), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
