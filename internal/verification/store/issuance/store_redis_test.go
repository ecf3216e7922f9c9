package issuance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisCounterSuite struct {
	counterContractSuite
	mr     *miniredis.Miniredis
	client *redis.Client
	rc     *RedisCounter
}

func TestRedisCounterSuite(t *testing.T) {
	suite.Run(t, new(RedisCounterSuite))
}

func (s *RedisCounterSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.ctx = context.Background()
	s.now = time.Now().UTC()
	s.rc = NewRedisCounter(s.client, "test")
	s.counter = s.rc
}

func (s *RedisCounterSuite) TearDownTest() {
	_ = s.client.Close()
}

func (s *RedisCounterSuite) TestWindowExpiresWithKey() {
	_, err := s.rc.Increment(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)
	s.Equal(hour, s.mr.TTL("test:issuance:ana@example.com"))

	_, err = s.rc.Increment(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)
	s.Equal(hour, s.mr.TTL("test:issuance:ana@example.com"), "later hits do not extend the window")

	s.mr.FastForward(hour)

	w, err := s.rc.Current(s.ctx, "ana@example.com", hour, s.now.Add(hour))
	s.Require().NoError(err)
	s.Zero(w.Count)
}

func (s *RedisCounterSuite) TestStartedAtFromRemainingTTL() {
	_, err := s.rc.Increment(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)
	s.mr.FastForward(20 * time.Minute)

	later := s.now.Add(20 * time.Minute)
	w, err := s.rc.Current(s.ctx, "ana@example.com", hour, later)
	s.Require().NoError(err)
	s.Equal(1, w.Count)
	s.WithinDuration(s.now, w.StartedAt, time.Second)
}

func (s *RedisCounterSuite) TestDeleteLapsedIsNoop() {
	n, err := s.rc.DeleteLapsed(s.ctx, s.now)
	s.NoError(err)
	s.Zero(n)
}
