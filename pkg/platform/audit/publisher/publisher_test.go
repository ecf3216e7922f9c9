package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	audit "proz/pkg/platform/audit"
	"proz/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	err error
}

func (s *failingStore) Append(_ context.Context, _ audit.Event) error {
	return s.err
}

func (s *failingStore) ListByIdentity(_ context.Context, _ id.IdentityID) ([]audit.Event, error) {
	return nil, nil
}

// blockingStore holds every Append until release is closed.
type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Append(_ context.Context, _ audit.Event) error {
	<-s.release
	return nil
}

func (s *blockingStore) ListByIdentity(_ context.Context, _ id.IdentityID) ([]audit.Event, error) {
	return nil, nil
}

func TestPublisher_EmitStoresEvent(t *testing.T) {
	pub := New(memory.NewInMemoryStore())
	identityID := id.NewIdentityID()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.ActionEmailVerified),
	}))

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.ActionEmailVerified), events[0].Action)
}

func TestPublisher_Timestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("stamped from clock when missing", func(t *testing.T) {
		pub := New(memory.NewInMemoryStore(), WithClock(func() time.Time { return fixed }))
		identityID := id.NewIdentityID()
		require.NoError(t, pub.Emit(context.Background(), audit.Event{IdentityID: identityID}))

		events, err := pub.List(context.Background(), identityID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, fixed, events[0].Timestamp)
	})

	t.Run("existing timestamp preserved", func(t *testing.T) {
		pub := New(memory.NewInMemoryStore(), WithClock(func() time.Time { return fixed }))
		identityID := id.NewIdentityID()
		custom := fixed.Add(-time.Hour)
		require.NoError(t, pub.Emit(context.Background(), audit.Event{IdentityID: identityID, Timestamp: custom}))

		events, err := pub.List(context.Background(), identityID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, custom, events[0].Timestamp)
	})
}

func TestPublisher_EmitReturnsStoreError(t *testing.T) {
	storeErr := errors.New("append failed")
	pub := New(&failingStore{err: storeErr})

	err := pub.Emit(context.Background(), audit.Event{Action: string(audit.ActionPhoneVerified)})
	require.ErrorIs(t, err, storeErr)
}

func TestPublisher_Async(t *testing.T) {
	t.Run("close drains queued events", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		pub := New(store, WithAsyncBuffer(8))
		identityID := id.NewIdentityID()

		for range 3 {
			require.NoError(t, pub.Emit(context.Background(), audit.Event{IdentityID: identityID}))
		}
		pub.Close()

		events, err := store.ListByIdentity(context.Background(), identityID)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("full buffer reports unavailable", func(t *testing.T) {
		store := &blockingStore{release: make(chan struct{})}
		pub := New(store, WithAsyncBuffer(1))

		// The drain goroutine may already hold one event, so fill past capacity.
		var err error
		for range 3 {
			if err = pub.Emit(context.Background(), audit.Event{}); err != nil {
				break
			}
		}
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))

		close(store.release)
		pub.Close()
	})
}
