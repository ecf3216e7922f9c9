package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proz/internal/platform/config"
	"proz/internal/verification/delivery"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/store/credential"
	"proz/internal/verification/store/issuance"
	id "proz/pkg/domain"
	"proz/pkg/platform/audit"
	auditmemory "proz/pkg/platform/audit/store/memory"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMemoryBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	b := newBackends(&cfg, &infra{}, quietLogger())

	require.NotNil(t, b.memory)
	assert.IsType(t, &credential.InMemoryStore{}, b.credentials)
	assert.IsType(t, &issuance.InMemoryCounter{}, b.counter)
	assert.NotNil(t, b.identities)

	limiter, err := newLimiter(&cfg, b, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, limiter.Limit())
}

func TestAuditorDrainsOnClose(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	b := newBackends(&cfg, &infra{}, quietLogger())
	require.IsType(t, &auditmemory.InMemoryStore{}, b.audit)

	auditor, pub := newAuditor(b, quietLogger())
	identityID := id.NewIdentityID()
	auditor.Log(context.Background(), audit.ActionEmailVerified, identityID)
	pub.Close()

	events, err := b.audit.ListByIdentity(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.ActionEmailVerified), events[0].Action)
}

func TestDispatcherFallsBackToConsole(t *testing.T) {
	cfg := config.Default()
	d, err := newDispatcher(context.Background(), &cfg, quietLogger())
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), deliveryMessage(vmodels.ChannelSMS))
	assert.NoError(t, err)
	err = d.Dispatch(context.Background(), deliveryMessage(vmodels.ChannelEmail))
	assert.NoError(t, err)
}

func TestEngineWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Delivery.Mode = config.DeliveryExpose
	b := newBackends(&cfg, &infra{}, quietLogger())
	limiter, err := newLimiter(&cfg, b, quietLogger())
	require.NoError(t, err)
	d, err := newDispatcher(context.Background(), &cfg, quietLogger())
	require.NoError(t, err)

	engine, err := newEngine(&cfg, b, limiter, d, nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "expose", string(engine.DeliveryMode()))
}

func deliveryMessage(ch vmodels.Channel) delivery.Message {
	return delivery.Message{
		Channel:   ch,
		To:        "+15551234567",
		Purpose:   vmodels.PurposePhoneVerification,
		Secret:    "123456",
		ExpiresAt: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}
