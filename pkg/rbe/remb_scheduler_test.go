package rbe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestREMBScheduler_FirstEstimateSendsImmediately(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	now := time.Unix(1000, 0)

	data, sent, err := s.MaybeBuild(300_000, []uint32{1}, now)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.NotEmpty(t, data)
	assert.Equal(t, int64(300_000), s.LastSentValue())
	assert.Equal(t, now, s.LastSentTime())
}

func TestREMBScheduler_IntervalPacing(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	now := time.Unix(1000, 0)

	_, sent, _ := s.MaybeBuild(300_000, []uint32{1}, now)
	require.True(t, sent)

	// Unchanged estimate inside the interval is suppressed.
	_, sent, _ = s.MaybeBuild(300_000, []uint32{1}, now.Add(500*time.Millisecond))
	assert.False(t, sent)

	// A growing estimate is paced too.
	_, sent, _ = s.MaybeBuild(400_000, []uint32{1}, now.Add(900*time.Millisecond))
	assert.False(t, sent)

	_, sent, _ = s.MaybeBuild(400_000, []uint32{1}, now.Add(time.Second))
	assert.True(t, sent)
}

func TestREMBScheduler_SignificantDecreaseBypassesInterval(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	now := time.Unix(1000, 0)

	_, sent, _ := s.MaybeBuild(300_000, []uint32{1}, now)
	require.True(t, sent)

	// A 2% drop is below the threshold: suppressed.
	_, sent, _ = s.MaybeBuild(294_000, []uint32{1}, now.Add(10*time.Millisecond))
	assert.False(t, sent)

	// A 3% drop goes out immediately.
	data, sent, err := s.MaybeBuild(291_000, []uint32{1}, now.Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, sent)

	pkt, err := ParseREMB(data)
	require.NoError(t, err)
	assert.InEpsilon(t, 291_000, pkt.Bitrate, 0.01)
}

func TestREMBScheduler_CarriesConfiguredSenderSSRC(t *testing.T) {
	config := DefaultREMBSchedulerConfig()
	config.SenderSSRC = 0xBEEF
	s := NewREMBScheduler(config)

	data, sent, err := s.MaybeBuild(300_000, []uint32{5, 6}, time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, sent)

	pkt, err := ParseREMB(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xBEEF), pkt.SenderSSRC)
	assert.Equal(t, []uint32{5, 6}, pkt.SSRCs)
}

func TestREMBScheduler_Reset(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	now := time.Unix(1000, 0)

	_, sent, _ := s.MaybeBuild(300_000, []uint32{1}, now)
	require.True(t, sent)

	s.Reset()
	assert.Zero(t, s.LastSentValue())
	assert.True(t, s.LastSentTime().IsZero())

	// After a reset the next estimate sends immediately again.
	_, sent, _ = s.MaybeBuild(300_000, []uint32{1}, now.Add(time.Millisecond))
	assert.True(t, sent)
}
