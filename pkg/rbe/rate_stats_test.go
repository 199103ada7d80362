package rbe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateStats_EmptyWindowIsZero(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	assert.Zero(t, r.Rate(1000))
}

func TestRateStats_SteadyRate(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowMs: 500})

	// 500 bytes every 20ms: 25 samples fill the window exactly.
	now := int64(10_000)
	for i := 0; i < 25; i++ {
		r.Update(500, now)
		now += 20
	}

	// 12500 bytes over 500ms -> 200 kbps.
	assert.Equal(t, int64(200_000), r.Rate(now-20))
}

func TestRateStats_OldSamplesExpire(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowMs: 500})

	r.Update(1000, 0)
	r.Update(1000, 400)
	assert.Equal(t, int64(2000*8*1000/500), r.Rate(400))

	// The first sample slides out of the window.
	assert.Equal(t, int64(1000*8*1000/500), r.Rate(600))

	// A silent transport decays to zero after one window length.
	assert.Zero(t, r.Rate(1000))
}

func TestRateStats_Reset(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	r.Update(1000, 100)
	r.Reset()
	assert.Zero(t, r.Rate(100))
}

func TestRateStats_ZeroWindowFallsBackToDefault(t *testing.T) {
	r := NewRateStats(RateStatsConfig{})

	r.Update(500, 0)
	assert.Equal(t, int64(500*8*1000/500), r.Rate(0))
}
