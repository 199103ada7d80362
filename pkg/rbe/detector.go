package rbe

import (
	"errors"
	"math"
)

const (
	// minFramePeriodHistoryLength caps the trailing window used to find the
	// minimum observed inter-frame send period.
	minFramePeriodHistoryLength = 60

	// overusingTimeThresholdMs is how long the offset must stay above the
	// threshold before the detector signals overuse.
	overusingTimeThresholdMs = 100

	// deltaCounterMax saturates the delta-observation counter used as a
	// confidence scale by the classifier and the noise estimator.
	deltaCounterMax = 1000
)

// DetectorOptions holds the initial state of an OveruseDetector's Kalman
// filter and classifier.
type DetectorOptions struct {
	// InitialSlope is the initial estimate of the per-byte serialization slope.
	InitialSlope float64

	// InitialOffset is the initial delay-trend offset estimate in milliseconds.
	InitialOffset float64

	// InitialE is the initial 2x2 error covariance matrix of [slope, offset].
	InitialE [2][2]float64

	// InitialProcessNoise holds the process noise injected into the diagonal
	// of the covariance matrix on every update, scaled by the frame period.
	InitialProcessNoise [2]float64

	// InitialAvgNoise is the initial measurement-noise mean.
	InitialAvgNoise float64

	// InitialVarNoise is the initial measurement-noise variance.
	InitialVarNoise float64

	// InitialThreshold is the detection threshold in milliseconds. The rate
	// controller's capacity region feedback halves or restores it at runtime.
	InitialThreshold float64
}

// DefaultDetectorOptions returns the standard initial filter state.
func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		InitialSlope:        8.0 / 512.0,
		InitialOffset:       0,
		InitialE:            [2][2]float64{{100, 0}, {0, 1e-1}},
		InitialProcessNoise: [2]float64{1e-10, 1e-2},
		InitialAvgNoise:     0,
		InitialVarNoise:     50,
		InitialThreshold:    25,
	}
}

// validate rejects option sets the filter cannot start from.
func (o DetectorOptions) validate() error {
	if o.InitialVarNoise < 0 {
		return errors.New("rbe: initial noise variance must be non-negative")
	}
	if o.InitialThreshold <= 0 {
		return errors.New("rbe: initial threshold must be positive")
	}
	if o.InitialProcessNoise[0] < 0 || o.InitialProcessNoise[1] < 0 {
		return errors.New("rbe: process noise must be non-negative")
	}
	return nil
}

// frameSample is one reconstructed application frame as seen by the detector.
// completeTimeMs is the local arrival time of the last packet belonging to
// the frame. The -1 sentinels mean "unset".
type frameSample struct {
	completeTimeMs int64
	size           int64
	timestamp      int64
	timestampMs    int64
}

func newFrameSample() frameSample {
	return frameSample{completeTimeMs: -1, timestamp: -1, timestampMs: -1}
}

// OveruseDetector converts a sequence of (packet size, sender timestamp,
// arrival time) observations for a single stream into a running delay-trend
// classification.
//
// Packets sharing a sender timestamp accumulate into the current frame; a
// packet with a newer timestamp completes the frame and, once two completed
// frames exist, feeds the arrival/send-time deltas through a two-state
// Kalman filter tracking [slope, offset]. The offset estimate drives a
// hysteresis state machine producing BwNormal, BwUnderusing or BwOverusing.
//
// Out-of-order packets are discarded without mutating any state; this is a
// tolerance policy, not an error. The detector performs no I/O and is not
// safe for concurrent use - the owning estimator serializes access.
type OveruseDetector struct {
	options DetectorOptions

	current frameSample
	prev    frameSample

	slope      float64
	offset     float64
	prevOffset float64
	e          [2][2]float64

	avgNoise float64
	varNoise float64
	residual float64

	threshold   float64
	hypothesis  BandwidthUsage
	numOfDeltas int

	timeOverUsing  float64
	overUseCounter int
	tsDeltaHist    []float64

	// lastPacketTimeMs is maintained by the owning estimator for staleness
	// eviction. -1 until the first packet is recorded.
	lastPacketTimeMs int64
}

// NewOveruseDetector creates a detector starting from the given options.
// Invalid options are the only hard failure in this package.
func NewOveruseDetector(options DetectorOptions) (*OveruseDetector, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	return &OveruseDetector{
		options:          options,
		current:          newFrameSample(),
		prev:             newFrameSample(),
		slope:            options.InitialSlope,
		offset:           options.InitialOffset,
		prevOffset:       options.InitialOffset,
		e:                options.InitialE,
		avgNoise:         options.InitialAvgNoise,
		varNoise:         options.InitialVarNoise,
		threshold:        options.InitialThreshold,
		hypothesis:       BwNormal,
		timeOverUsing:    -1,
		tsDeltaHist:      make([]float64, 0, minFramePeriodHistoryLength),
		lastPacketTimeMs: -1,
	}, nil
}

// inOrderTimestamp reports whether timestamp is later than prev on the
// wrapping 32-bit sender clock. A wraparound-aware difference in the upper
// half of the range is assumed to be reordering.
func inOrderTimestamp(timestamp, prev uint32) bool {
	return timestamp-prev < 1<<31
}

// packetInOrder applies the ordering rule of the active time base.
func (d *OveruseDetector) packetInOrder(rtpTimestamp int64, timestampMs int64) bool {
	if d.current.timestampMs == -1 && d.current.timestamp > -1 {
		return inOrderTimestamp(uint32(rtpTimestamp), uint32(d.current.timestamp))
	}
	if d.current.timestampMs > 0 {
		// Millisecond time base: strictly increasing.
		return timestampMs > d.current.timestampMs
	}
	// First packet of the stream.
	return true
}

// switchTimeBase prepares the detector to use millisecond timestamps instead
// of the raw 90 kHz sender clock. Both frame samples restart empty.
func (d *OveruseDetector) switchTimeBase() {
	d.current = newFrameSample()
	d.prev = d.current
}

// Update ingests one packet. timestampMs carries a millisecond-converted
// sender timestamp, or a negative sentinel when only the raw rtpTimestamp is
// available. arrivalTimeMs is the local wall-clock arrival time.
func (d *OveruseDetector) Update(packetSize int, timestampMs int64, rtpTimestamp uint32, arrivalTimeMs int64) {
	ts := int64(rtpTimestamp)
	newTimestamp := ts != d.current.timestamp

	if timestampMs >= 0 {
		if d.prev.timestampMs == -1 && d.current.timestampMs == -1 {
			d.switchTimeBase()
		}
		newTimestamp = timestampMs != d.current.timestampMs
	}

	switch {
	case d.current.timestamp == -1:
		// First packet of the stream. Not enough data to update the filter,
		// store it until two frames of data are available.
		d.current.timestamp = ts
		d.current.timestampMs = timestampMs
	case !d.packetInOrder(ts, timestampMs):
		// Reordered packet, leave all state untouched.
		return
	case newTimestamp:
		// First packet of a later frame, the previous frame sample is ready.
		if d.prev.completeTimeMs >= 0 { // at least the third frame boundary
			tDelta, tsDelta := d.timeDeltas()
			d.updateKalman(float64(tDelta), tsDelta, d.current.size, d.prev.size)
		}
		d.prev = d.current
		d.current.timestamp = ts
		d.current.timestampMs = timestampMs
		d.current.size = 0
	}

	// Accumulate the frame size regardless of whether a transition occurred.
	d.current.size += int64(packetSize)
	d.current.completeTimeMs = arrivalTimeMs
}

// timeDeltas computes the arrival-time and send-time deltas between the two
// completed frames and advances the saturating delta counter.
func (d *OveruseDetector) timeDeltas() (tDelta int64, tsDelta float64) {
	d.numOfDeltas++
	if d.numOfDeltas > deltaCounterMax {
		d.numOfDeltas = deltaCounterMax
	}
	if d.current.timestampMs == -1 {
		// 90 kHz sender clock; the subtraction wraps mod 2^32.
		diff := uint32(d.current.timestamp) - uint32(d.prev.timestamp)
		tsDelta = float64(diff) / 90.0
	} else {
		tsDelta = float64(d.current.timestampMs - d.prev.timestampMs)
	}
	tDelta = d.current.completeTimeMs - d.prev.completeTimeMs
	return tDelta, tsDelta
}

// currentDrift is the inter-clock drift compensation factor. There is no
// drift estimation; the hook stays fixed at 1.
func currentDrift() float64 {
	return 1
}

func (d *OveruseDetector) updateKalman(tDelta, tsDelta float64, frameSize, prevFrameSize int64) {
	minFramePeriod := d.updateMinFramePeriod(tsDelta)
	tTsDelta := tDelta - tsDelta/currentDrift()
	fsDelta := float64(frameSize) - float64(prevFrameSize)

	// Inject process noise scaled by the frame period, with an extra boost on
	// the offset variance when the offset is moving against the current
	// hypothesis - the filter should loosen faster when the evidence
	// disagrees with its belief.
	scaleFactor := minFramePeriod / (1000.0 / 30.0)
	d.e[0][0] += d.options.InitialProcessNoise[0] * scaleFactor
	d.e[1][1] += d.options.InitialProcessNoise[1] * scaleFactor
	if (d.hypothesis == BwOverusing && d.offset < d.prevOffset) ||
		(d.hypothesis == BwUnderusing && d.offset > d.prevOffset) {
		d.e[1][1] += 10 * d.options.InitialProcessNoise[1] * scaleFactor
	}

	h := [2]float64{fsDelta, 1}
	eh := [2]float64{
		d.e[0][0]*h[0] + d.e[0][1]*h[1],
		d.e[1][0]*h[0] + d.e[1][1]*h[1],
	}

	residual := tTsDelta - d.slope*h[0] - d.offset
	d.residual = residual

	stableState := math.Min(float64(d.numOfDeltas), 60)*math.Abs(d.offset) < d.threshold

	// Very late frames (periodic key frames, for instance) don't fit the
	// Gaussian model well, so the residual fed to the noise estimate is
	// clamped to three standard deviations.
	threeSigma := 3 * math.Sqrt(d.varNoise)
	residualForNoise := residual
	if math.Abs(residual) >= threeSigma {
		residualForNoise = threeSigma
	}
	d.updateNoiseEstimate(residualForNoise, minFramePeriod, stableState)

	denom := d.varNoise + h[0]*eh[0] + h[1]*eh[1]
	k := [2]float64{eh[0] / denom, eh[1] / denom}
	ikh := [2][2]float64{
		{1 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1 - k[1]*h[1]},
	}

	e00 := d.e[0][0]
	e01 := d.e[0][1]
	d.e[0][0] = e00*ikh[0][0] + d.e[1][0]*ikh[0][1]
	d.e[0][1] = e01*ikh[0][0] + d.e[1][1]*ikh[0][1]
	d.e[1][0] = e00*ikh[1][0] + d.e[1][0]*ikh[1][1]
	d.e[1][1] = e01*ikh[1][0] + d.e[1][1]*ikh[1][1]

	d.slope += k[0] * residual
	d.prevOffset = d.offset
	d.offset += k[1] * residual

	d.detect(tsDelta)
}

// updateMinFramePeriod returns the minimum send-time delta over the trailing
// history window, inserting the new delta and evicting the oldest entry.
func (d *OveruseDetector) updateMinFramePeriod(tsDelta float64) float64 {
	minFramePeriod := tsDelta
	if len(d.tsDeltaHist) >= minFramePeriodHistoryLength {
		d.tsDeltaHist = d.tsDeltaHist[1:]
	}
	for _, v := range d.tsDeltaHist {
		minFramePeriod = math.Min(v, minFramePeriod)
	}
	d.tsDeltaHist = append(d.tsDeltaHist, tsDelta)
	return minFramePeriod
}

// updateNoiseEstimate maintains the exponential moving average and variance
// of the measurement noise. It only runs while the filter is in a stable
// state; during overuse the residuals are signal, not noise.
func (d *OveruseDetector) updateNoiseEstimate(residual, tsDelta float64, stableState bool) {
	if !stableState {
		return
	}

	// Faster adaptation during startup to find the network's jitter level
	// quickly. Tuned for 30 frames per second.
	alpha := 0.01
	if d.numOfDeltas > 300 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, tsDelta*30.0/1000.0)

	d.avgNoise = beta*d.avgNoise + (1-beta)*residual
	d.varNoise = beta*d.varNoise + (1-beta)*(d.avgNoise-residual)*(d.avgNoise-residual)
	if d.varNoise < 1e-7 {
		d.varNoise = 1e-7
	}
}

// detect runs the classification state machine on the latest offset estimate.
func (d *OveruseDetector) detect(tsDelta float64) BandwidthUsage {
	if d.numOfDeltas < 2 {
		return BwNormal
	}

	t := math.Min(float64(d.numOfDeltas), 60) * d.offset
	switch {
	case math.Abs(t) > d.threshold && d.offset > 0:
		if d.timeOverUsing == -1 {
			// Assume the link has been over-used half of the time since the
			// previous sample.
			d.timeOverUsing = tsDelta / 2
		} else {
			d.timeOverUsing += tsDelta
		}
		d.overUseCounter++
		if d.timeOverUsing > overusingTimeThresholdMs && d.overUseCounter > 1 {
			if d.offset >= d.prevOffset {
				d.timeOverUsing = 0
				d.overUseCounter = 0
				d.hypothesis = BwOverusing
			}
		}
	case math.Abs(t) > d.threshold:
		d.timeOverUsing = -1
		d.overUseCounter = 0
		d.hypothesis = BwUnderusing
	default:
		d.timeOverUsing = -1
		d.overUseCounter = 0
		d.hypothesis = BwNormal
	}
	return d.hypothesis
}

// State returns the current delay-trend classification.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// NoiseVar returns the current measurement-noise variance estimate.
func (d *OveruseDetector) NoiseVar() float64 {
	return d.varNoise
}

// Offset returns the current delay-trend offset estimate in milliseconds.
func (d *OveruseDetector) Offset() float64 {
	return d.offset
}

// Slope returns the current per-byte serialization slope estimate.
func (d *OveruseDetector) Slope() float64 {
	return d.slope
}

// Threshold returns the current detection threshold in milliseconds.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// NumDeltas returns the saturating count of delta observations so far.
func (d *OveruseDetector) NumDeltas() int {
	return d.numOfDeltas
}

// SetRateControlRegion applies the rate controller's capacity-region
// feedback: the closer the controller believes it is to the channel ceiling,
// the more sensitive detection becomes.
func (d *OveruseDetector) SetRateControlRegion(region RateControlRegion) {
	switch region {
	case RegionMaxUnknown:
		d.threshold = d.options.InitialThreshold
	case RegionNearMax, RegionAboveMax:
		d.threshold = d.options.InitialThreshold / 2
	}
}
