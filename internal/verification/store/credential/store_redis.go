package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"proz/internal/verification/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

const (
	defaultRedisPrefix = "verif"

	// Hash fields. Timestamps are Unix milliseconds so the Lua scripts can
	// compare them without losing float precision.
	fieldID             = "id"
	fieldSubject        = "subject"
	fieldPurpose        = "purpose"
	fieldSecretClass    = "secret_class"
	fieldSecret         = "secret"
	fieldAttempts       = "attempts"
	fieldMaxAttempts    = "max_attempts"
	fieldIssuedAt       = "issued_at"
	fieldExpiresAt      = "expires_at"
	fieldConsumedAt     = "consumed_at"
	fieldLinkedIdentity = "linked_identity"
)

// saveLua writes a credential hash, its subject index, and (for token-class
// credentials) its token index, all with the credential's remaining TTL.
//
// KEYS[1] record, KEYS[2] subject zset, KEYS[3] optional token key
// ARGV    id, subject, purpose, secret, attempts, max_attempts,
//
//	issued_at_ms, expires_at_ms, consumed_at_ms, linked_identity, ttl_ms,
//	secret_class
var saveLua = redis.NewScript(`
local ttl = tonumber(ARGV[11])
if ttl <= 0 then
  return {err='expired'}
end
if #KEYS == 3 then
  local ok = redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[11], 'NX')
  if not ok then
    if redis.call('GET', KEYS[3]) ~= ARGV[1] then
      return {err='conflict'}
    end
    redis.call('PEXPIRE', KEYS[3], ARGV[11])
  end
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'subject', ARGV[2], 'purpose', ARGV[3], 'secret', ARGV[4],
  'attempts', ARGV[5], 'max_attempts', ARGV[6], 'issued_at', ARGV[7],
  'expires_at', ARGV[8], 'consumed_at', ARGV[9], 'linked_identity', ARGV[10],
  'secret_class', ARGV[12])
redis.call('PEXPIRE', KEYS[1], ARGV[11])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
if redis.call('PTTL', KEYS[2]) < ttl then
  redis.call('PEXPIRE', KEYS[2], ARGV[11])
end
return 1
`)

// transitionLua classifies a credential and, when it is still active, applies
// the requested transition in the same step.
//
// KEYS[1] record
// ARGV[1] now_ms, ARGV[2] "increment" | "consume"
//
// Returns {status, field, value, ...} where status is one of
// ok, consumed, expired, exhausted; or error not_found.
var transitionLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {err='not_found'}
end
local now = tonumber(ARGV[1])
local consumed = redis.call('HGET', KEYS[1], 'consumed_at')
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))

local status = 'ok'
if consumed and consumed ~= '' then
  status = 'consumed'
elseif now > expires then
  status = 'expired'
elseif attempts >= maxAttempts then
  status = 'exhausted'
elseif ARGV[2] == 'increment' then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
else
  redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
end

local fields = redis.call('HGETALL', KEYS[1])
table.insert(fields, 1, status)
return fields
`)

// RedisStore is the ephemeral TTL-indexed backend. Every key carries the
// credential's remaining lifetime, so Redis evicts expired credentials itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys; defaults to "verif".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisClock sets the clock used to compute TTLs at write time.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(cid id.CredentialID) string {
	return s.prefix + ":cred:" + cid.String()
}

func (s *RedisStore) subjectKey(subject string, purpose models.Purpose) string {
	return s.prefix + ":subj:" + string(purpose) + ":" + subject
}

func (s *RedisStore) tokenKey(purpose models.Purpose, token string) string {
	return s.prefix + ":tok:" + string(purpose) + ":" + token
}

func (s *RedisStore) Save(ctx context.Context, c *models.Credential) error {
	if c == nil {
		return fmt.Errorf("credential is required: %w", sentinel.ErrInvalidInput)
	}
	ttl := c.TTL(s.now())

	keys := []string{s.recordKey(c.ID), s.subjectKey(c.Subject, c.Purpose)}
	if c.IsToken() {
		keys = append(keys, s.tokenKey(c.Purpose, c.Secret))
	}

	args := []any{
		c.ID.String(),
		c.Subject,
		string(c.Purpose),
		c.Secret,
		c.Attempts,
		c.MaxAttempts,
		c.IssuedAt.UnixMilli(),
		c.ExpiresAt.UnixMilli(),
		formatOptionalTime(c.ConsumedAt),
		formatOptionalIdentity(c.LinkedIdentity),
		ttl.Milliseconds(),
		string(c.Class),
	}

	if err := saveLua.Run(ctx, s.client, keys, args...).Err(); err != nil {
		switch {
		case isScriptError(err, "expired"):
			return fmt.Errorf("save credential past expiry: %w", sentinel.ErrExpired)
		case isScriptError(err, "conflict"):
			return fmt.Errorf("token already issued: %w", sentinel.ErrConflict)
		default:
			return fmt.Errorf("save credential: %w", err)
		}
	}
	return nil
}

// Load walks the subject index newest first and returns the first live
// record, pruning index entries whose record has already been evicted.
func (s *RedisStore) Load(ctx context.Context, subject string, purpose models.Purpose) (*models.Credential, error) {
	idxKey := s.subjectKey(subject, purpose)
	members, err := s.client.ZRevRange(ctx, idxKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load subject index: %w", err)
	}

	var stale []any
	defer func() {
		if len(stale) > 0 {
			// Best-effort; a failed prune is retried by the next Load.
			_ = s.client.ZRem(ctx, idxKey, stale...).Err()
		}
	}()

	for _, member := range members {
		values, err := s.client.HGetAll(ctx, s.prefix+":cred:"+member).Result()
		if err != nil {
			return nil, fmt.Errorf("load credential: %w", err)
		}
		if len(values) == 0 {
			stale = append(stale, member)
			continue
		}
		return credentialFromHash(values)
	}
	return nil, fmt.Errorf("credential for subject: %w", sentinel.ErrNotFound)
}

func (s *RedisStore) LoadByToken(ctx context.Context, purpose models.Purpose, token string) (*models.Credential, error) {
	member, err := s.client.Get(ctx, s.tokenKey(purpose, token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("credential for token: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load token index: %w", err)
	}

	values, err := s.client.HGetAll(ctx, s.prefix+":cred:"+member).Result()
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("credential for token: %w", sentinel.ErrNotFound)
	}
	return credentialFromHash(values)
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	c, status, err := s.transition(ctx, cid, now, "increment")
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}
	if status != "ok" {
		return c, fmt.Errorf("increment attempts on %s credential: %w", status, sentinel.ErrInvalidState)
	}
	return c, nil
}

func (s *RedisStore) MarkConsumed(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error) {
	c, status, err := s.transition(ctx, cid, now, "consume")
	if err != nil {
		return nil, fmt.Errorf("mark consumed: %w", err)
	}
	switch status {
	case "ok":
		return c, nil
	case "consumed":
		return c, fmt.Errorf("mark consumed: %w", sentinel.ErrAlreadyUsed)
	default:
		return c, fmt.Errorf("mark consumed on %s credential: %w", status, sentinel.ErrInvalidState)
	}
}

func (s *RedisStore) transition(ctx context.Context, cid id.CredentialID, now time.Time, op string) (*models.Credential, string, error) {
	raw, err := transitionLua.Run(ctx, s.client, []string{s.recordKey(cid)}, now.UnixMilli(), op).StringSlice()
	if err != nil {
		if isScriptError(err, "not_found") {
			return nil, "", sentinel.ErrNotFound
		}
		return nil, "", err
	}
	if len(raw) < 1 {
		return nil, "", errors.New("empty transition reply")
	}

	values := make(map[string]string, (len(raw)-1)/2)
	for i := 1; i+1 < len(raw); i += 2 {
		values[raw[i]] = raw[i+1]
	}
	c, err := credentialFromHash(values)
	if err != nil {
		return nil, "", err
	}
	return c, raw[0], nil
}

func (s *RedisStore) Delete(ctx context.Context, cid id.CredentialID) error {
	values, err := s.client.HGetAll(ctx, s.recordKey(cid)).Result()
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("delete credential: %w", sentinel.ErrNotFound)
	}
	c, err := credentialFromHash(values)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteBySubject(ctx context.Context, subject string, purpose models.Purpose, keep id.CredentialID) (int, error) {
	members, err := s.client.ZRange(ctx, s.subjectKey(subject, purpose), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("delete by subject: %w", err)
	}

	var victims []*models.Credential
	var stale []any
	for _, member := range members {
		if member == keep.String() {
			continue
		}
		values, err := s.client.HGetAll(ctx, s.prefix+":cred:"+member).Result()
		if err != nil {
			return 0, fmt.Errorf("delete by subject: %w", err)
		}
		if len(values) == 0 {
			stale = append(stale, member)
			continue
		}
		c, err := credentialFromHash(values)
		if err != nil {
			return 0, fmt.Errorf("delete by subject: %w", err)
		}
		victims = append(victims, c)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range victims {
			s.queueDelete(ctx, pipe, c)
		}
		if len(stale) > 0 {
			pipe.ZRem(ctx, s.subjectKey(subject, purpose), stale...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete by subject: %w", err)
	}
	return len(victims), nil
}

func (s *RedisStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, c *models.Credential) {
	pipe.Del(ctx, s.recordKey(c.ID))
	pipe.ZRem(ctx, s.subjectKey(c.Subject, c.Purpose), c.ID.String())
	if c.IsToken() {
		pipe.Del(ctx, s.tokenKey(c.Purpose, c.Secret))
	}
}

// DeleteExpired is a no-op: Redis evicts on TTL.
func (s *RedisStore) DeleteExpired(context.Context, models.Purpose, time.Time) (int, error) {
	return 0, nil
}

// DeleteTerminal is a no-op for the ephemeral backend. Consumed and
// exhausted records lapse with their TTL.
func (s *RedisStore) DeleteTerminal(context.Context, models.Purpose, time.Time, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Durable() bool { return false }

func credentialFromHash(values map[string]string) (*models.Credential, error) {
	cid, err := uuid.Parse(values[fieldID])
	if err != nil {
		return nil, fmt.Errorf("parse credential id: %w", err)
	}
	attempts, err := strconv.Atoi(values[fieldAttempts])
	if err != nil {
		return nil, fmt.Errorf("parse attempts: %w", err)
	}
	maxAttempts, err := strconv.Atoi(values[fieldMaxAttempts])
	if err != nil {
		return nil, fmt.Errorf("parse max attempts: %w", err)
	}
	issuedAt, err := parseMillis(values[fieldIssuedAt])
	if err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	expiresAt, err := parseMillis(values[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	c := &models.Credential{
		ID:          id.CredentialID(cid),
		Subject:     values[fieldSubject],
		Purpose:     models.Purpose(values[fieldPurpose]),
		Class:       models.SecretClass(values[fieldSecretClass]),
		Secret:      values[fieldSecret],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}
	if v := values[fieldConsumedAt]; v != "" {
		consumedAt, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("parse consumed_at: %w", err)
		}
		c.ConsumedAt = &consumedAt
	}
	if v := values[fieldLinkedIdentity]; v != "" {
		linked, err := id.ParseIdentityID(v)
		if err != nil {
			return nil, fmt.Errorf("parse linked identity: %w", err)
		}
		c.LinkedIdentity = &linked
	}
	return c, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func formatOptionalIdentity(v *id.IdentityID) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// isScriptError matches the {err='...'} replies raised by the Lua scripts.
func isScriptError(err error, code string) bool {
	return err != nil && strings.TrimSpace(err.Error()) == code
}
