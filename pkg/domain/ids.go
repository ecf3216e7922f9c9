// Package domain provides type-safe identifiers so a credential ID can never be
// passed where an identity ID is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "proz/pkg/domain-errors"
)

type (
	CredentialID uuid.UUID
	IdentityID   uuid.UUID
)

func NewCredentialID() CredentialID { return CredentialID(uuid.New()) }
func NewIdentityID() IdentityID     { return IdentityID(uuid.New()) }

// Parse functions are for trust boundaries (handlers, stored rows).

func ParseCredentialID(s string) (CredentialID, error) {
	id, err := parseUUID(s, "credential ID")
	return CredentialID(id), err
}

func ParseIdentityID(s string) (IdentityID, error) {
	id, err := parseUUID(s, "identity ID")
	return IdentityID(id), err
}

func (id CredentialID) String() string { return uuid.UUID(id).String() }
func (id IdentityID) String() string   { return uuid.UUID(id).String() }

func (id CredentialID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id IdentityID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return id, nil
}
