//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"verifactu/internal/chain/lock"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockSuite) TestExclusiveAcrossLockers() {
	ctx := context.Background()
	a := lock.NewRedis(s.redis.Client, 5*time.Second, lock.WithRetryInterval(5*time.Millisecond))
	b := lock.NewRedis(s.redis.Client, 5*time.Second, lock.WithRetryInterval(5*time.Millisecond))

	release, err := a.Acquire(ctx, "Z0117657V/pos-1", time.Second)
	s.Require().NoError(err)

	_, err = b.Acquire(ctx, "Z0117657V/pos-1", 50*time.Millisecond)
	s.ErrorIs(err, sentinel.ErrLocked)

	release()
	releaseB, err := b.Acquire(ctx, "Z0117657V/pos-1", time.Second)
	s.Require().NoError(err)
	releaseB()
}

func (s *RedisLockSuite) TestExpiredHolderCannotReleaseNewOwner() {
	ctx := context.Background()
	short := lock.NewRedis(s.redis.Client, 50*time.Millisecond)

	stale, err := short.Acquire(ctx, "k", time.Second)
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	fresh, err := short.Acquire(ctx, "k", time.Second)
	s.Require().NoError(err)
	stale()

	_, err = short.Acquire(ctx, "k", 20*time.Millisecond)
	s.ErrorIs(err, sentinel.ErrLocked)
	fresh()
}

func (s *RedisLockSuite) TestZeroTimeoutTriesOnce() {
	ctx := context.Background()
	claims := lock.NewRedis(s.redis.Client, 5*time.Second, lock.WithPrefix("verifactu:submitlock:"))

	release, err := claims.Acquire(ctx, "submit:rec-1", 0)
	s.Require().NoError(err)

	start := time.Now()
	_, err = claims.Acquire(ctx, "submit:rec-1", 0)
	s.ErrorIs(err, sentinel.ErrLocked)
	s.Less(time.Since(start), time.Second)

	other := lock.NewRedis(s.redis.Client, 5*time.Second)
	releaseOther, err := other.Acquire(ctx, "submit:rec-1", 0)
	s.Require().NoError(err, "prefixes keep claims apart from chain locks")
	releaseOther()
	release()
}
