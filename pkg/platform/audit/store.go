package audit

import (
	"context"

	id "proz/pkg/domain"
)

type Store interface {
	Append(ctx context.Context, event Event) error
	ListByIdentity(ctx context.Context, identityID id.IdentityID) ([]Event, error)
}
