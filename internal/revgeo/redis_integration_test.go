//go:build integration

package revgeo

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/suite"

	"subregion-map/internal/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestRoundTripAndVersionIsolation() {
	ctx := context.Background()
	c := NewRedisCache(s.redis.Client, "v1", time.Minute)
	c.Set(ctx, "r3gx2f", []string{"Cumberland"})
	c.Set(ctx, "s00000", nil)

	got, ok := c.Get(ctx, "r3gx2f")
	s.True(ok)
	s.Equal([]string{"Cumberland"}, got)

	empty, ok := c.Get(ctx, "s00000")
	s.True(ok)
	s.Empty(empty)

	_, ok = NewRedisCache(s.redis.Client, "v2", time.Minute).Get(ctx, "r3gx2f")
	s.False(ok)

	ttl, err := s.redis.Client.TTL(ctx, "revgeo:cand:v1:r3gx2f").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisCacheSuite) TestIndexSharesResultsAcrossInstances() {
	ctx := context.Background()
	l2 := NewRedisCache(s.redis.Client, "v1", time.Minute)
	first, err := NewIndex(testCollection(), "SUB_NAME_7", WithCache(Tiered{L1: NewLRU(16, time.Minute), L2: l2}))
	s.Require().NoError(err)
	pt := orb.Point{1, 1}
	want := first.Locate(ctx, pt)
	s.Require().NotEmpty(want)

	key := encodeGeohash(pt, cachePrecision)
	names, ok := l2.Get(ctx, key)
	s.Require().True(ok)
	s.Equal(want[0].Name, names[0])

	second, err := NewIndex(testCollection(), "SUB_NAME_7", WithCache(Tiered{L1: NewLRU(16, time.Minute), L2: l2}))
	s.Require().NoError(err)
	s.Equal(want[0].Name, second.Locate(ctx, pt)[0].Name)
}
