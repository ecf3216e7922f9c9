package postgres

import (
	"context"
	"database/sql"
	"fmt"

	id "proz/pkg/domain"
	audit "proz/pkg/platform/audit"

	"github.com/google/uuid"
)

// Store implements audit.Store on the audit_events table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO audit_events (
			id, occurred_at, identity_id, subject, action, purpose, outcome, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var identityID *uuid.UUID
	if !event.IdentityID.IsNil() {
		uid := uuid.UUID(event.IdentityID)
		identityID = &uid
	}

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		event.Timestamp,
		identityID,
		event.Subject,
		event.Action,
		event.Purpose,
		event.Outcome,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByIdentity(ctx context.Context, identityID id.IdentityID) ([]audit.Event, error) {
	query := `
		SELECT occurred_at, identity_id, subject, action, purpose, outcome, request_id
		FROM audit_events
		WHERE identity_id = $1
		ORDER BY occurred_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(identityID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event    audit.Event
			nullable *uuid.UUID
		)
		if err := rows.Scan(
			&event.Timestamp,
			&nullable,
			&event.Subject,
			&event.Action,
			&event.Purpose,
			&event.Outcome,
			&event.RequestID,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if nullable != nil {
			event.IdentityID = id.IdentityID(*nullable)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
