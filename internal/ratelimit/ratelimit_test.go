package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeLimiter is an in-memory stand-in for a redisLimiter, avoiding a real
// Redis dependency in unit tests.
type fakeLimiter struct {
	counts map[string]int64
	err    error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: map[string]int64{}}
}

func (f *fakeLimiter) Get(ctx context.Context, key string) (int64, error) {
	return f.counts[key], f.err
}

func (f *fakeLimiter) Incr(ctx context.Context, key string, val int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key] += val
	return f.counts[key], nil
}

func TestAllow_ZeroLimitDisablesLimiting(t *testing.T) {
	l := newFakeLimiter()
	ok, err := Allow(context.Background(), l, "client-1", 0)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, l.counts, "a disabled limiter should not even touch the backing store")
}

func TestAllow_UnderLimit(t *testing.T) {
	l := newFakeLimiter()
	for i := 0; i < 3; i++ {
		ok, err := Allow(context.Background(), l, "client-1", 5)
		assert.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := newFakeLimiter()
	for i := 0; i < 2; i++ {
		ok, _ := Allow(context.Background(), l, "client-1", 2)
		assert.True(t, ok)
	}
	ok, err := Allow(context.Background(), l, "client-1", 2)
	assert.NoError(t, err)
	assert.False(t, ok, "the third request should exceed a limit of 2")
}

func TestAllow_FailsOpenOnBackendError(t *testing.T) {
	l := newFakeLimiter()
	l.err = errors.New("redis unreachable")

	ok, err := Allow(context.Background(), l, "client-1", 1)
	assert.Error(t, err)
	assert.True(t, ok, "a backend error must fail open, never block traffic")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := newFakeLimiter()
	for i := 0; i < 2; i++ {
		ok, _ := Allow(context.Background(), l, "client-1", 2)
		assert.True(t, ok)
	}
	ok, _ := Allow(context.Background(), l, "client-2", 2)
	assert.True(t, ok, "a different client key must not share client-1's budget")
}
