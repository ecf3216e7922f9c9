package issuance

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"proz/pkg/testutil"
)

type counter interface {
	Current(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error)
	Increment(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error)
	Reset(ctx context.Context, subject string) error
}

type counterContractSuite struct {
	suite.Suite
	ctx     context.Context
	counter counter
	now     time.Time
}

const hour = time.Hour

func (s *counterContractSuite) TestEmptyWindow() {
	w, err := s.counter.Current(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)
	s.Zero(w.Count)
}

func (s *counterContractSuite) TestIncrementCounts() {
	for want := 1; want <= 4; want++ {
		w, err := s.counter.Increment(s.ctx, "ana@example.com", hour, s.now)
		s.Require().NoError(err)
		s.Equal(want, w.Count)
	}

	w, err := s.counter.Current(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)
	s.Equal(4, w.Count)
	s.WithinDuration(s.now, w.StartedAt, time.Second)
	s.WithinDuration(s.now.Add(hour), w.ResetsAt(hour), time.Second)
}

func (s *counterContractSuite) TestSubjectsAreIndependent() {
	_, err := s.counter.Increment(s.ctx, "ana@example.com", hour, s.now)
	s.Require().NoError(err)

	w, err := s.counter.Current(s.ctx, "ben@example.com", hour, s.now)
	s.Require().NoError(err)
	s.Zero(w.Count)
}

func (s *counterContractSuite) TestReset() {
	_, err := s.counter.Increment(s.ctx, "+15551234567", hour, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.counter.Reset(s.ctx, "+15551234567"))

	w, err := s.counter.Current(s.ctx, "+15551234567", hour, s.now)
	s.Require().NoError(err)
	s.Zero(w.Count)
}

func (s *counterContractSuite) TestConcurrentIncrementsAreNotLost() {
	tally := testutil.RunConcurrentCtx(s.ctx, 30, func(ctx context.Context, _ int) (string, error) {
		_, err := s.counter.Increment(ctx, "+15551234567", hour, s.now)
		return "ok", err
	})
	s.Empty(tally.Errors)

	w, err := s.counter.Current(s.ctx, "+15551234567", hour, s.now)
	s.Require().NoError(err)
	s.Equal(30, w.Count)
}
