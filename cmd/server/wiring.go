package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"proz/internal/identity/models"
	identitystore "proz/internal/identity/store"
	"proz/internal/platform/config"
	"proz/internal/platform/database"
	"proz/internal/platform/health"
	"proz/internal/platform/redis"
	"proz/internal/verification/delivery"
	vmetrics "proz/internal/verification/metrics"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/ratelimit"
	"proz/internal/verification/service"
	"proz/internal/verification/store/credential"
	"proz/internal/verification/store/issuance"
	id "proz/pkg/domain"
	"proz/pkg/platform/audit"
	"proz/pkg/platform/audit/publisher"
	auditmemory "proz/pkg/platform/audit/store/memory"
	auditpostgres "proz/pkg/platform/audit/store/postgres"
	"proz/pkg/platform/circuit"
)

type infra struct {
	pool  *database.Pool
	redis *redis.Client
}

// openInfra connects whatever backends are configured. Postgres gets the
// embedded schema applied on connect.
func openInfra(ctx context.Context, cfg *config.Config, log *slog.Logger) (*infra, error) {
	out := &infra{}

	pool, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	out.pool = pool
	if pool != nil {
		if err := database.Migrate(ctx, pool.DB()); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("postgres connected")
	}

	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		_ = out.pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	out.redis = client
	if client != nil {
		log.Info("redis connected")
	}
	return out, nil
}

// registerChecks marks Redis optional unless it holds the credentials; the
// issuance counter falls back to process memory without it.
func (i *infra) registerChecks(h *health.Handler, store string) {
	if i.pool != nil {
		h.RegisterCheck("postgres", i.pool.Health)
	}
	if i.redis == nil {
		return
	}
	if store == config.StoreRedis {
		h.RegisterCheck("redis", i.redis.Health)
	} else {
		h.RegisterOptionalCheck("redis", i.redis.Health)
	}
}

func (i *infra) Close(log *slog.Logger) {
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if err := i.pool.Close(); err != nil {
		log.Warn("postgres close failed", "error", err)
	}
}

// identityDirectory is what the flows and the server need from the account store.
type identityDirectory interface {
	Save(ctx context.Context, identity *models.Identity) error
	FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	FindByEmail(ctx context.Context, email string) (*models.Identity, error)
	MarkEmailVerified(ctx context.Context, identityID id.IdentityID) error
	MarkPhoneVerified(ctx context.Context, identityID id.IdentityID, phone string) error
	UpdatePasswordHash(ctx context.Context, identityID id.IdentityID, hash string) error
}

type windowStore interface {
	ratelimit.Counter
	DeleteLapsed(ctx context.Context, cutoff time.Time) (int, error)
}

type backends struct {
	credentials service.CredentialStore
	memory      *credential.InMemoryStore
	counter     windowStore
	windows     windowStore
	identities  identityDirectory
	audit       audit.Store
}

// newBackends picks the credential store named by VERIFICATION_STORE. The
// issuance counter prefers Redis, then Postgres, then process memory.
func newBackends(cfg *config.Config, in *infra, log *slog.Logger) *backends {
	b := &backends{}
	switch cfg.Store {
	case config.StorePostgres:
		b.credentials = credential.NewPostgres(in.pool.DB())
	case config.StoreRedis:
		b.credentials = credential.NewRedis(in.redis.Client)
	default:
		b.memory = credential.NewInMemoryStore(credential.WithMemoryLogger(log))
		b.credentials = b.memory
	}

	switch {
	case in.redis != nil:
		b.counter = issuance.NewRedisCounter(in.redis.Client, "")
	case in.pool != nil:
		b.counter = issuance.NewPostgresCounter(in.pool.DB())
	default:
		b.counter = issuance.NewInMemoryCounter()
	}
	b.windows = b.counter

	if in.pool != nil {
		b.identities = identitystore.NewPostgres(in.pool.DB())
		b.audit = auditpostgres.New(in.pool.DB())
	} else {
		b.identities = identitystore.NewInMemoryStore()
		b.audit = auditmemory.NewInMemoryStore()
	}
	return b
}

// auditBufferSize bounds the account audit queue; a full queue drops events.
const auditBufferSize = 1024

func newAuditor(b *backends, log *slog.Logger) (*audit.Logger, *publisher.Publisher) {
	pub := publisher.New(b.audit,
		publisher.WithAsyncBuffer(auditBufferSize),
		publisher.WithLogger(log),
	)
	return audit.NewLogger(log, pub), pub
}

// newLimiter guards a shared counter with an in-process fallback so issuance
// keeps working, per instance, while Redis or Postgres is unreachable.
func newLimiter(cfg *config.Config, b *backends, log *slog.Logger) (*ratelimit.Limiter, error) {
	opts := []ratelimit.Option{ratelimit.WithLogger(log)}
	if _, inProcess := b.counter.(*issuance.InMemoryCounter); !inProcess {
		opts = append(opts, ratelimit.WithFallback(issuance.NewInMemoryCounter(),
			circuit.New("issuance_counter", circuit.WithFailureThreshold(3))))
	}
	return ratelimit.New(b.counter, cfg.Issuance.MaxPerWindow, cfg.Issuance.Window, opts...)
}

// newDispatcher routes email over SMTP and SMS over SNS when configured. Any
// channel without a transport falls back to the console sender, which only
// reveals secrets outside production.
func newDispatcher(ctx context.Context, cfg *config.Config, log *slog.Logger) (*delivery.Router, error) {
	console := delivery.NewConsole(log, !cfg.IsProduction())

	var email delivery.Sender = console
	if cfg.Delivery.SMTPEnabled() {
		d := cfg.Delivery
		email = delivery.NewEmail(d.SMTPHost, d.SMTPPort, d.SMTPUser, d.SMTPPassword, d.EmailFrom)
	}

	var sms delivery.Sender = console
	if cfg.Delivery.SMSEnabled() {
		sender, err := delivery.NewSMS(ctx, cfg.Delivery.SMSRegion, cfg.Delivery.SMSSenderID)
		if err != nil {
			return nil, fmt.Errorf("configure sms delivery: %w", err)
		}
		sms = sender
	}

	return delivery.NewRouter(
		delivery.WithSender(vmodels.ChannelEmail, email),
		delivery.WithSender(vmodels.ChannelSMS, sms),
	), nil
}

func newEngine(cfg *config.Config, b *backends, limiter *ratelimit.Limiter, dispatcher *delivery.Router,
	m *vmetrics.Metrics, log *slog.Logger,
) (*service.Service, error) {
	mode := service.DeliveryDispatch
	if cfg.Delivery.Mode == config.DeliveryExpose {
		mode = service.DeliveryExpose
	}
	return service.New(b.credentials, limiter, cfg.Policies.Policies(),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithDispatcher(dispatcher),
		service.WithDeliveryMode(mode),
		service.WithLinkBaseURL(cfg.Delivery.LinkBaseURL),
		service.WithSweepOnVerify(cfg.SweepOnVerify),
	)
}
