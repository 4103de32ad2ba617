package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAllowPermitsWithinBurst(t *testing.T) {
	l := New(Config{
		GlobalPerSecond: 100,
		GlobalBurst:     10,
		PerIPPerSecond:  100,
		PerIPBurst:      2,
	}, zerolog.Nop())
	defer l.Close()

	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestAllowRejectsPastPerIPBurst(t *testing.T) {
	l := New(Config{
		GlobalPerSecond: 1000,
		GlobalBurst:     1000,
		PerIPPerSecond:  0.001,
		PerIPBurst:      1,
	}, zerolog.Nop())
	defer l.Close()

	assert.True(t, l.Allow("9.9.9.9"))
	assert.False(t, l.Allow("9.9.9.9"))
}

func TestAllowTracksIPsIndependently(t *testing.T) {
	l := New(Config{
		GlobalPerSecond: 1000,
		GlobalBurst:     1000,
		PerIPPerSecond:  0.001,
		PerIPBurst:      1,
	}, zerolog.Nop())
	defer l.Close()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
}

func TestAllowRejectsPastGlobalBurstRegardlessOfIP(t *testing.T) {
	l := New(Config{
		GlobalPerSecond: 0.001,
		GlobalBurst:     1,
		PerIPPerSecond:  1000,
		PerIPBurst:      1000,
	}, zerolog.Nop())
	defer l.Close()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("2.2.2.2"))
}

func TestReapEvictsStaleEntriesOnly(t *testing.T) {
	l := New(Config{GlobalPerSecond: 100, GlobalBurst: 100, PerIPPerSecond: 100, PerIPBurst: 100}, zerolog.Nop())
	defer l.Close()

	l.Allow("stale")
	l.mu.Lock()
	l.ips["stale"].lastAccess = time.Now().Add(-2 * ipTTL)
	l.mu.Unlock()

	l.Allow("fresh")

	l.reap()

	l.mu.Lock()
	defer l.mu.Unlock()
	_, staleStillPresent := l.ips["stale"]
	_, freshStillPresent := l.ips["fresh"]
	assert.False(t, staleStillPresent)
	assert.True(t, freshStillPresent)
}
