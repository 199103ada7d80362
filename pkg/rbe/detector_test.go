package rbe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedFrame pushes one single-packet frame into the detector.
func feedFrame(d *OveruseDetector, size int, rtpTimestamp uint32, arrivalMs int64) {
	d.Update(size, -1, rtpTimestamp, arrivalMs)
}

func TestDetectorOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DetectorOptions)
		wantErr bool
	}{
		{"defaults", func(o *DetectorOptions) {}, false},
		{"negative var noise", func(o *DetectorOptions) { o.InitialVarNoise = -1 }, true},
		{"zero threshold", func(o *DetectorOptions) { o.InitialThreshold = 0 }, true},
		{"negative threshold", func(o *DetectorOptions) { o.InitialThreshold = -5 }, true},
		{"negative process noise", func(o *DetectorOptions) { o.InitialProcessNoise[1] = -1e-2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultDetectorOptions()
			tt.mutate(&opts)
			_, err := NewOveruseDetector(opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOveruseDetector_FirstPacketSeedsOnly(t *testing.T) {
	d, err := NewOveruseDetector(DefaultDetectorOptions())
	require.NoError(t, err)

	feedFrame(d, 1000, 90000, 0)

	assert.Equal(t, BwNormal, d.State())
	assert.Equal(t, 0, d.NumDeltas())
	assert.Equal(t, int64(90000), d.current.timestamp)
	assert.Equal(t, int64(1000), d.current.size)
	assert.Equal(t, int64(0), d.current.completeTimeMs)
}

func TestOveruseDetector_DeltasStartAtThirdFrameBoundary(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	feedFrame(d, 500, 0, 0)
	assert.Equal(t, 0, d.NumDeltas())

	// Second frame completes the first, but there is still only one
	// completed frame, not enough for a delta.
	feedFrame(d, 500, 1800, 20)
	assert.Equal(t, 0, d.NumDeltas())

	// Third frame boundary: two completed frames, first delta observation.
	feedFrame(d, 500, 3600, 40)
	assert.Equal(t, 1, d.NumDeltas())
}

func TestOveruseDetector_SameTimestampAccumulatesFrameSize(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	d.Update(400, -1, 90000, 0)
	d.Update(300, -1, 90000, 2)
	d.Update(200, -1, 90000, 4)

	assert.Equal(t, int64(900), d.current.size)
	assert.Equal(t, int64(4), d.current.completeTimeMs)
	assert.Equal(t, 0, d.NumDeltas())
}

func TestOveruseDetector_ReorderedPacketLeavesStateUntouched(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	feedFrame(d, 500, 10000, 0)
	feedFrame(d, 500, 11800, 20)
	feedFrame(d, 500, 13600, 40)

	before := *d

	// Older timestamp: the wraparound-aware difference lands in the upper
	// half of the range, so the packet must be discarded.
	d.Update(700, -1, 9000, 60)

	assert.Equal(t, before, *d, "reordered packet must not mutate any state")
}

func TestOveruseDetector_TimestampWraparoundAccepted(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	feedFrame(d, 500, 0xFFFFF000, 0)
	// Wrapped timestamp: (new - old) mod 2^32 is small and positive.
	feedFrame(d, 500, 0x00000800, 20)

	require.Equal(t, int64(0xFFFFF000), d.prev.timestamp, "wrapped frame should complete the previous one")

	feedFrame(d, 500, 0x00002000, 40)
	assert.Equal(t, 1, d.NumDeltas(), "wrapped frames must feed the filter like any others")
}

func TestOveruseDetector_SteadyCadenceStaysNormal(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// 20ms frames at 90kHz, arrival exactly on pace, no jitter.
	for i := 0; i < 200; i++ {
		feedFrame(d, 500, uint32(i)*1800, int64(i)*20)
		assert.Equal(t, BwNormal, d.State(), "frame %d", i)
	}
	assert.InDelta(t, 0, d.Offset(), 1.0)
}

func TestOveruseDetector_QueueBuildupDrivesOveruse(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// Sender paces frames every 20ms, but each frame arrives later than the
	// last relative to its send time: a queue is building.
	arrival := int64(0)
	overusedAt := -1
	for i := 0; i < 400; i++ {
		arrival += 20 + int64(i) // growing arrival delta
		feedFrame(d, 500, uint32(i)*1800, arrival)
		if d.State() == BwOverusing {
			overusedAt = i
			break
		}
	}

	require.NotEqual(t, -1, overusedAt, "sustained queue buildup must eventually classify as overusing")
	// The 100ms/counter gating makes an instant flip impossible: the filter
	// needs several delta observations before the signal can fire.
	assert.Greater(t, overusedAt, 3)
}

func TestOveruseDetector_OveruseGating(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// Drive detect directly with a persistently over-threshold offset and
	// verify the 100ms duration and counter>1 gating.
	d.numOfDeltas = 60
	d.offset = 1.0 // T = 60 > threshold 25
	d.prevOffset = 0.5

	// tsDelta 20ms per observation: timeOverUsing runs 10, 30, 50, 70, 90, 110.
	for i := 0; i < 5; i++ {
		assert.Equal(t, BwNormal, d.detect(20), "observation %d fires too early", i)
	}
	assert.Equal(t, BwOverusing, d.detect(20))
}

func TestOveruseDetector_OveruseSuppressedWhileOffsetFalling(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	d.numOfDeltas = 60
	d.offset = 1.0
	d.prevOffset = 2.0 // trend already reversing

	for i := 0; i < 20; i++ {
		assert.Equal(t, BwNormal, d.detect(20))
	}
}

func TestOveruseDetector_NegativeOffsetSignalsUnderuse(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	d.numOfDeltas = 60
	d.offset = -1.0 // |T| = 60 > threshold, offset <= 0

	assert.Equal(t, BwUnderusing, d.detect(20))
}

func TestOveruseDetector_FewDeltasForceNormal(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	d.numOfDeltas = 1
	d.offset = 100 // would otherwise scream overuse

	assert.Equal(t, BwNormal, d.detect(20))
}

func TestOveruseDetector_ThresholdFeedback(t *testing.T) {
	opts := DefaultDetectorOptions()
	d, _ := NewOveruseDetector(opts)

	d.SetRateControlRegion(RegionNearMax)
	assert.Equal(t, opts.InitialThreshold/2, d.Threshold())

	d.SetRateControlRegion(RegionAboveMax)
	assert.Equal(t, opts.InitialThreshold/2, d.Threshold())

	d.SetRateControlRegion(RegionMaxUnknown)
	assert.Equal(t, opts.InitialThreshold, d.Threshold())
}

func TestOveruseDetector_MillisecondTimeBase(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// A millisecond timestamp on a fresh detector switches the time base.
	d.Update(500, 1000, 0, 0)
	assert.Equal(t, int64(1000), d.current.timestampMs)

	d.Update(500, 1020, 0, 20)
	d.Update(500, 1040, 0, 40)
	assert.Equal(t, 1, d.NumDeltas())

	// Millisecond ordering is strict: equal or older values are discarded.
	before := *d
	d.Update(500, 1040, 0, 60)
	assert.Equal(t, before, *d)
	d.Update(500, 900, 0, 60)
	assert.Equal(t, before, *d)
}

func TestOveruseDetector_DeltaCounterSaturates(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	d.numOfDeltas = deltaCounterMax
	feedFrame(d, 500, 0, 0)
	feedFrame(d, 500, 1800, 20)
	feedFrame(d, 500, 3600, 40)

	assert.Equal(t, deltaCounterMax, d.NumDeltas())
}

func TestOveruseDetector_MinFramePeriodWindow(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// Fill the history beyond capacity; the window must stay capped and the
	// minimum must track only the trailing entries.
	for i := 0; i < minFramePeriodHistoryLength+10; i++ {
		d.updateMinFramePeriod(float64(100 + i))
	}
	assert.Len(t, d.tsDeltaHist, minFramePeriodHistoryLength)

	// The smallest early values have been evicted.
	got := d.updateMinFramePeriod(1000)
	assert.Equal(t, float64(100+11), got)
}

func TestOveruseDetector_NoiseVarianceFloor(t *testing.T) {
	opts := DefaultDetectorOptions()
	opts.InitialVarNoise = 1e-9
	d, err := NewOveruseDetector(opts)
	require.NoError(t, err)

	// Zero residuals in stable state decay the variance; it must clamp at
	// the floor instead of collapsing to zero.
	for i := 0; i < 100; i++ {
		d.updateNoiseEstimate(0, 20, true)
	}
	assert.GreaterOrEqual(t, d.NoiseVar(), 1e-7)
}

func TestOveruseDetector_NoiseUpdateSkippedWhenUnstable(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	before := d.NoiseVar()
	d.updateNoiseEstimate(10, 20, false)
	assert.Equal(t, before, d.NoiseVar())
}

func TestOveruseDetector_NeverPanicsOnMonotoneInput(t *testing.T) {
	d, _ := NewOveruseDetector(DefaultDetectorOptions())

	// Strictly increasing timestamps and arrival times with varying sizes
	// must always yield one of the three classifications.
	arrival := int64(0)
	for i := 0; i < 1000; i++ {
		arrival += int64(10 + i%25)
		feedFrame(d, 200+(i%7)*300, uint32(i)*900, arrival)
		state := d.State()
		assert.True(t, state == BwNormal || state == BwUnderusing || state == BwOverusing)
		assert.False(t, math.IsNaN(d.Offset()))
		assert.False(t, math.IsNaN(d.Slope()))
	}
}
